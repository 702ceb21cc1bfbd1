package protocol

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func newTestTransaction(t *testing.T, state State) *PendingTransaction {
	t.Helper()
	msg := NewMessage(ActionSendMessage)
	msg.Data[KeyChatID] = "alice"
	serialized, err := msg.Serialize()
	require.NoError(t, err)

	id := NewTransactionID(ClientToServer, ActionSendMessage)
	return NewPendingTransaction(id, ClientToServer, state, msg, serialized, testAddr(40000), FixedKey)
}

func TestNewTransactionIDPrefix(t *testing.T) {
	c2s := NewTransactionID(ClientToServer, ActionLogin)
	assert.True(t, strings.HasPrefix(c2s, "C2S_login_"))

	s2c := NewTransactionID(ServerToClient, ActionReceiveMessage)
	assert.True(t, strings.HasPrefix(s2c, "S2C_receive_message_"))

	assert.NotEqual(t, NewTransactionID(ClientToServer, ActionLogin), c2s)
}

func TestRegistryStoreGetRemove(t *testing.T) {
	reg := NewRegistry()
	tx := newTestTransaction(t, WaitingForConfirm)

	reg.Store(tx)
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Get(tx.ID)
	require.True(t, ok)
	assert.Same(t, tx, got)

	removed, ok := reg.Remove(tx.ID)
	require.True(t, ok)
	assert.Same(t, tx, removed)
	assert.Equal(t, 0, reg.Len())

	// Removal happens exactly once.
	_, ok = reg.Remove(tx.ID)
	assert.False(t, ok)
}

func TestRegistryUnknownIDLeavesStateUnchanged(t *testing.T) {
	reg := NewRegistry()
	tx := newTestTransaction(t, WaitingForConfirm)
	reg.Store(tx)

	_, ok := reg.Get("C2S_login_never-issued")
	assert.False(t, ok)

	err := reg.Transition("C2S_login_never-issued", WaitingForConfirm, WaitingForAck)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryTransition(t *testing.T) {
	reg := NewRegistry()
	tx := newTestTransaction(t, WaitingForCharCount)
	reg.Store(tx)
	before := tx.LastUpdatedAt

	time.Sleep(5 * time.Millisecond)
	err := reg.Transition(tx.ID, WaitingForCharCount, WaitingForAck)
	require.NoError(t, err)
	assert.Equal(t, WaitingForAck, tx.State)
	assert.True(t, tx.LastUpdatedAt.After(before))

	// From-state no longer matches; nothing mutates.
	err = reg.Transition(tx.ID, WaitingForCharCount, WaitingForConfirm)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, WaitingForAck, tx.State)
}

func TestRegistrySweep(t *testing.T) {
	reg := NewRegistry()

	stale := newTestTransaction(t, WaitingForConfirm)
	stale.LastUpdatedAt = time.Now().Add(-61 * time.Second)
	reg.Store(stale)

	fresh := newTestTransaction(t, WaitingForConfirm)
	reg.Store(fresh)

	removed := reg.Sweep(60 * time.Second)
	assert.Equal(t, 1, removed)

	_, ok := reg.Get(stale.ID)
	assert.False(t, ok, "stale transaction must be absent after sweep")
	_, ok = reg.Get(fresh.ID)
	assert.True(t, ok)
}

func TestRegistryRemoveForPartner(t *testing.T) {
	reg := NewRegistry()

	tx1 := newTestTransaction(t, WaitingForConfirm)
	reg.Store(tx1)

	other := newTestTransaction(t, WaitingForConfirm)
	other.PartnerAddr = testAddr(50000)
	reg.Store(other)

	removed := reg.RemoveForPartner(testAddr(40000))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, reg.Len())

	_, ok := reg.Get(other.ID)
	assert.True(t, ok)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := newTestTransaction(t, WaitingForConfirm)
			reg.Store(tx)
			reg.Get(tx.ID)
			reg.Touch(tx.ID)
			reg.Remove(tx.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
}

func TestPendingTransactionPartnerMatches(t *testing.T) {
	tx := newTestTransaction(t, WaitingForConfirm)

	assert.True(t, tx.PartnerMatches(testAddr(40000)))
	assert.False(t, tx.PartnerMatches(testAddr(40001)))
	assert.False(t, tx.PartnerMatches(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}))
}
