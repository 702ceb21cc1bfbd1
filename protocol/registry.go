package protocol

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTransactionNotFound indicates a lookup for an ID that was never
// issued, already completed, or already swept.
var ErrTransactionNotFound = errors.New("no pending transaction for id")

// ErrInvalidTransition indicates a state transition whose from-state did
// not match the transaction's current state.
var ErrInvalidTransition = errors.New("invalid transaction state transition")

// Registry owns all PendingTransaction instances. Every operation is safe
// under concurrent access from arbitrary worker goroutines; transitions
// are a single authoritative lookup-compare-mutate step inside the
// registry's lock.
type Registry struct {
	mu      sync.RWMutex
	pending map[string]*PendingTransaction
}

// NewRegistry returns an empty transaction registry. Construct one per
// process (or per test) and inject it; there is no global instance.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*PendingTransaction),
	}
}

// Store inserts a transaction under its ID.
func (r *Registry) Store(tx *PendingTransaction) {
	if tx == nil || tx.ID == "" {
		logrus.WithFields(logrus.Fields{
			"function": "Store",
		}).Error("Refusing to store nil or unidentified transaction")
		return
	}

	r.mu.Lock()
	r.pending[tx.ID] = tx
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "Store",
		"transaction_id": tx.ID,
		"direction":      tx.Direction.String(),
		"state":          tx.State.String(),
		"action":         tx.OriginalAction(),
	}).Debug("Pending transaction stored")
}

// Get returns the transaction without removing it.
func (r *Registry) Get(id string) (*PendingTransaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.pending[id]
	return tx, ok
}

// Remove deletes and returns the transaction. It is the single removal
// authority: a transaction is removed exactly once, either here on its
// terminal step or by Sweep.
func (r *Registry) Remove(id string) (*PendingTransaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)

	logrus.WithFields(logrus.Fields{
		"function":       "Remove",
		"transaction_id": id,
		"state":          tx.State.String(),
	}).Debug("Pending transaction removed")
	return tx, true
}

// Transition advances the transaction from one state to another and
// refreshes its activity timestamp. It fails without side effects when
// the transaction is missing or not currently in from.
func (r *Registry) Transition(id string, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.pending[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.State != from {
		return ErrInvalidTransition
	}
	tx.State = to
	tx.LastUpdatedAt = time.Now()

	logrus.WithFields(logrus.Fields{
		"function":       "Transition",
		"transaction_id": id,
		"from":           from.String(),
		"to":             to.String(),
	}).Debug("Transaction state advanced")
	return nil
}

// Touch refreshes the transaction's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.pending[id]; ok {
		tx.LastUpdatedAt = time.Now()
	}
}

// Len reports the number of in-flight transactions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// IDs returns the IDs of all in-flight transactions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}

// Sweep removes transactions idle longer than maxAge and returns how many
// were removed. It runs on the background sweeper, independent of the
// request path.
func (r *Registry) Sweep(maxAge time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, tx := range r.pending {
		if now.Sub(tx.LastUpdatedAt) > maxAge {
			delete(r.pending, id)
			removed++
			logrus.WithFields(logrus.Fields{
				"function":       "Sweep",
				"transaction_id": id,
				"state":          tx.State.String(),
				"idle":           now.Sub(tx.LastUpdatedAt).String(),
			}).Warn("Removed stale pending transaction")
		}
	}
	return removed
}

// RemoveForPartner drops every transaction bound to the given endpoint.
// Called when the session at that endpoint is torn down.
func (r *Registry) RemoveForPartner(addr net.Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, tx := range r.pending {
		if tx.PartnerAddr.String() == addr.String() {
			delete(r.pending, id)
			removed++
			logrus.WithFields(logrus.Fields{
				"function":       "RemoveForPartner",
				"transaction_id": id,
				"partner":        addr.String(),
			}).Debug("Removed pending transaction for departed session")
		}
	}
	return removed
}
