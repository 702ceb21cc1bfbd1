package handlers

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

// recordingPusher captures server-to-client pushes instead of sending.
type recordingPusher struct {
	mu     sync.Mutex
	pushes []recordedPush
}

type recordedPush struct {
	action string
	msg    *protocol.Message
	addr   net.Addr
	key    string
}

func (p *recordingPusher) InitiateServerToClientFlow(action string, msg *protocol.Message, addr net.Addr, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, recordedPush{action: action, msg: msg, addr: addr, key: key})
	return nil
}

func (p *recordingPusher) all() []recordedPush {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]recordedPush, len(p.pushes))
	copy(out, p.pushes)
	return out
}

func (p *recordingPusher) byAction(action string) []recordedPush {
	var out []recordedPush
	for _, push := range p.all() {
		if push.action == action {
			out = append(out, push)
		}
	}
	return out
}

type fixture struct {
	users    *store.UserStore
	rooms    *store.RoomStore
	messages *store.MessageStore
	sessions *session.Registry
	pusher   *recordingPusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		users:    store.NewUserStore(),
		rooms:    store.NewRoomStore(),
		messages: store.NewMessageStore(),
		sessions: session.NewRegistry(),
		pusher:   &recordingPusher{},
	}
}

func testAddr(t *testing.T, port int) net.Addr {
	t.Helper()
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// login binds a fake session for chatID so pushes can reach it.
func (f *fixture) login(t *testing.T, chatID string, port int) {
	t.Helper()
	f.sessions.Add(chatID, testAddr(t, port), "sessionkey-"+chatID)
}

// confirmedTx builds the transaction a handler would receive after a
// positive confirm.
func confirmedTx(action string, addr net.Addr, data map[string]interface{}) *protocol.PendingTransaction {
	msg := protocol.NewMessage(action)
	for k, v := range data {
		msg.Data[k] = v
	}
	serialized, _ := msg.Serialize()
	return protocol.NewPendingTransaction(
		protocol.NewTransactionID(protocol.ClientToServer, action),
		protocol.ClientToServer,
		protocol.WaitingForConfirm,
		msg,
		serialized,
		addr,
		protocol.FixedKey,
	)
}

func TestRegisterThenLogin(t *testing.T) {
	f := newFixture(t)
	auth := NewAuthHandler(f.users, f.sessions, f.pusher)
	addr := testAddr(t, 4000)

	ok := auth.Register(confirmedTx(protocol.ActionRegister, addr, map[string]interface{}{
		protocol.KeyChatID:   "alice",
		protocol.KeyPassword: "pw1",
	}))
	require.True(t, ok)
	assert.True(t, f.users.Exists("alice"))
	require.Len(t, f.pusher.byAction(protocol.ActionRegisterSuccess), 1)

	ok = auth.Login(confirmedTx(protocol.ActionLogin, addr, map[string]interface{}{
		protocol.KeyChatID:   "alice",
		protocol.KeyPassword: "pw1",
	}))
	require.True(t, ok)

	sess, found := f.sessions.Get("alice")
	require.True(t, found)
	assert.Equal(t, addr.String(), sess.Addr.String())
	assert.NotEmpty(t, sess.Key)

	pushes := f.pusher.byAction(protocol.ActionLoginSuccess)
	require.Len(t, pushes, 1)
	assert.Equal(t, sess.Key, pushes[0].key, "login_success must ride under the new session key")
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	auth := NewAuthHandler(f.users, f.sessions, f.pusher)
	require.NoError(t, f.users.Register("alice", "pw1"))

	ok := auth.Login(confirmedTx(protocol.ActionLogin, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:   "alice",
		protocol.KeyPassword: "wrong",
	}))
	assert.False(t, ok)
	assert.False(t, f.sessions.Online("alice"))
}

func TestRegisterDuplicateFails(t *testing.T) {
	f := newFixture(t)
	auth := NewAuthHandler(f.users, f.sessions, f.pusher)
	require.NoError(t, f.users.Register("alice", "pw1"))

	ok := auth.Register(confirmedTx(protocol.ActionRegister, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:   "alice",
		protocol.KeyPassword: "pw2",
	}))
	assert.False(t, ok)
}

func TestSendMessageFansOutToOnlineParticipants(t *testing.T) {
	f := newFixture(t)
	roomID, err := f.rooms.Create("general", []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	f.login(t, "alice", 4000)
	f.login(t, "bob", 4001)
	// carol is offline

	h := NewMessageHandler(f.rooms, f.messages, f.sessions, f.pusher)
	ok := h.Send(confirmedTx(protocol.ActionSendMessage, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:  "alice",
		protocol.KeyRoomID:  roomID,
		protocol.KeyContent: "hello room",
	}))
	require.True(t, ok)

	history := f.messages.ByRoom(roomID, time.Time{})
	require.Len(t, history, 1)
	assert.Equal(t, "hello room", history[0].Content)

	pushes := f.pusher.byAction(protocol.ActionReceiveMessage)
	require.Len(t, pushes, 1, "only online non-senders get the push")
	assert.Equal(t, testAddr(t, 4001).String(), pushes[0].addr.String())
	sender, _ := pushes[0].msg.DataString(protocol.KeySenderChatID)
	assert.Equal(t, "alice", sender)
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	roomID, err := f.rooms.Create("general", []string{"alice", "bob"})
	require.NoError(t, err)

	h := NewMessageHandler(f.rooms, f.messages, f.sessions, f.pusher)
	ok := h.Send(confirmedTx(protocol.ActionSendMessage, testAddr(t, 4002), map[string]interface{}{
		protocol.KeyChatID:  "mallory",
		protocol.KeyRoomID:  roomID,
		protocol.KeyContent: "injected",
	}))
	assert.False(t, ok)
	assert.Empty(t, f.messages.ByRoom(roomID, time.Time{}))
}

func TestCreateRoomNotifiesParticipants(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.Register("alice", "x"))
	require.NoError(t, f.users.Register("bob", "x"))
	f.login(t, "alice", 4000)
	f.login(t, "bob", 4001)

	h := NewRoomHandler(f.users, f.rooms, f.messages, f.sessions, f.pusher)
	ok := h.Create(confirmedTx(protocol.ActionCreateRoom, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:       "alice",
		protocol.KeyRoomName:     "general",
		protocol.KeyParticipants: []interface{}{"alice", "bob"},
	}))
	require.True(t, ok)

	rooms := f.rooms.RoomsFor("alice")
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].Name)

	assert.Len(t, f.pusher.byAction(protocol.ActionRoomCreated), 2)
}

func TestCreateRoomRejectsUnknownParticipant(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.Register("alice", "x"))

	h := NewRoomHandler(f.users, f.rooms, f.messages, f.sessions, f.pusher)
	ok := h.Create(confirmedTx(protocol.ActionCreateRoom, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:       "alice",
		protocol.KeyRoomName:     "general",
		protocol.KeyParticipants: []interface{}{"alice", "ghost"},
	}))
	assert.False(t, ok)
	assert.Empty(t, f.rooms.All())
}

func TestRoomMembershipChanges(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, f.users.Register(u, "x"))
	}
	roomID, err := f.rooms.Create("general", []string{"alice", "bob"})
	require.NoError(t, err)
	f.login(t, "alice", 4000)

	h := NewRoomHandler(f.users, f.rooms, f.messages, f.sessions, f.pusher)

	ok := h.AddUser(confirmedTx(protocol.ActionAddUserToRoom, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:       "alice",
		protocol.KeyRoomID:       roomID,
		protocol.KeyTargetChatID: "carol",
	}))
	require.True(t, ok)
	assert.True(t, f.rooms.IsMember(roomID, "carol"))

	ok = h.RemoveUser(confirmedTx(protocol.ActionRemoveUserFromRoom, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:       "alice",
		protocol.KeyRoomID:       roomID,
		protocol.KeyTargetChatID: "carol",
	}))
	require.True(t, ok)
	assert.False(t, f.rooms.IsMember(roomID, "carol"))

	ok = h.Rename(confirmedTx(protocol.ActionRenameRoom, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:   "alice",
		protocol.KeyRoomID:   roomID,
		protocol.KeyRoomName: "renamed",
	}))
	require.True(t, ok)
	room, _ := f.rooms.Get(roomID)
	assert.Equal(t, "renamed", room.Name)

	ok = h.Delete(confirmedTx(protocol.ActionDeleteRoom, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: roomID,
	}))
	require.True(t, ok)
	_, found := f.rooms.Get(roomID)
	assert.False(t, found)
}

func TestRoomChangesRejectOutsiders(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"alice", "bob", "mallory"} {
		require.NoError(t, f.users.Register(u, "x"))
	}
	roomID, err := f.rooms.Create("general", []string{"alice", "bob"})
	require.NoError(t, err)

	h := NewRoomHandler(f.users, f.rooms, f.messages, f.sessions, f.pusher)
	ok := h.Delete(confirmedTx(protocol.ActionDeleteRoom, testAddr(t, 4005), map[string]interface{}{
		protocol.KeyChatID: "mallory",
		protocol.KeyRoomID: roomID,
	}))
	assert.False(t, ok)
	_, found := f.rooms.Get(roomID)
	assert.True(t, found)
}

func TestQueriesPushResultsToRequester(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, f.users.Register(u, "x"))
	}
	roomID, err := f.rooms.Create("general", []string{"alice", "bob"})
	require.NoError(t, err)
	f.login(t, "alice", 4000)

	h := NewQueryHandler(f.users, f.rooms, f.messages, f.sessions, f.pusher)
	addr := testAddr(t, 4000)

	require.True(t, h.GetUsers(confirmedTx(protocol.ActionGetUsers, addr, map[string]interface{}{
		protocol.KeyChatID: "alice",
	})))
	require.True(t, h.GetRooms(confirmedTx(protocol.ActionGetRooms, addr, map[string]interface{}{
		protocol.KeyChatID: "alice",
	})))
	require.True(t, h.GetUserRooms(confirmedTx(protocol.ActionGetUserRooms, addr, map[string]interface{}{
		protocol.KeyChatID: "alice",
	})))
	require.True(t, h.GetRoomUsers(confirmedTx(protocol.ActionGetRoomUsers, addr, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: roomID,
	})))

	require.Len(t, f.pusher.byAction(protocol.ActionUsersList), 1)
	require.Len(t, f.pusher.byAction(protocol.ActionRoomsList), 1)
	require.Len(t, f.pusher.byAction(protocol.ActionUserRoomList), 1)

	roomUsers := f.pusher.byAction(protocol.ActionRoomUsersList)
	require.Len(t, roomUsers, 1)
	// Pushes are captured before serialization, so the payload still has
	// its native Go types.
	participants, ok := roomUsers[0].msg.Data[protocol.KeyParticipants].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, participants)
}

func TestGetMessagesHonorsSince(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.Register("alice", "x"))
	require.NoError(t, f.users.Register("bob", "x"))
	roomID, err := f.rooms.Create("general", []string{"alice", "bob"})
	require.NoError(t, err)
	f.login(t, "alice", 4000)

	base := time.Now().Truncate(time.Second)
	f.messages.Save(store.ChatMessage{RoomID: roomID, Sender: "bob", Content: "old", Timestamp: base.Add(-time.Hour)})
	f.messages.Save(store.ChatMessage{RoomID: roomID, Sender: "bob", Content: "new", Timestamp: base})

	h := NewQueryHandler(f.users, f.rooms, f.messages, f.sessions, f.pusher)
	ok := h.GetMessages(confirmedTx(protocol.ActionGetMessages, testAddr(t, 4000), map[string]interface{}{
		protocol.KeyChatID:    "alice",
		protocol.KeyRoomID:    roomID,
		protocol.KeyTimestamp: base.Add(-time.Minute).Format(time.RFC3339),
	}))
	require.True(t, ok)

	pushes := f.pusher.byAction(protocol.ActionMessagesList)
	require.Len(t, pushes, 1)
	raw, found := pushes[0].msg.Data["messages"].([]map[string]interface{})
	require.True(t, found)
	require.Len(t, raw, 1)
	assert.Equal(t, "new", raw[0][protocol.KeyContent])
}

func TestGetRoomUsersRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, f.users.Register(u, "x"))
	}
	roomID, err := f.rooms.Create("general", []string{"alice", "bob"})
	require.NoError(t, err)

	h := NewQueryHandler(f.users, f.rooms, f.messages, f.sessions, f.pusher)
	ok := h.GetRoomUsers(confirmedTx(protocol.ActionGetRoomUsers, testAddr(t, 4006), map[string]interface{}{
		protocol.KeyChatID: "mallory",
		protocol.KeyRoomID: roomID,
	}))
	assert.False(t, ok)
	assert.Empty(t, f.pusher.all())
}
