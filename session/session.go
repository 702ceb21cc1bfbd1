// Package session tracks which identities are connected, from which
// endpoint, and under which per-session key.
//
// A session binds an authenticated chat identity to the exact network
// endpoint it logged in from. Requests claiming that identity from any
// other endpoint are rejected; there is no endpoint migration without
// re-authentication.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session is one authenticated identity currently connected.
type Session struct {
	// ChatID is the logical identity.
	ChatID string
	// Addr is the endpoint recorded at login.
	Addr net.Addr
	// Key is the per-session symmetric key issued at login. Its length
	// is the cipher shift; the key material is otherwise opaque.
	Key string
	// LastActivity is refreshed on every validated request.
	LastActivity time.Time
}

// String renders a compact description for logs.
func (s *Session) String() string {
	return fmt.Sprintf("session{chatid=%s, addr=%s}", s.ChatID, s.Addr)
}

// Registry maps identities to live sessions, with a reverse index by
// endpoint for dispatch before the identity is known. All operations are
// safe under concurrent access; callers never lock.
type Registry struct {
	mu       sync.RWMutex
	byChatID map[string]*Session
	byAddr   map[string]string // endpoint string -> chatid
}

// NewRegistry returns an empty session registry. Construct one per
// process (or per test) and inject it; there is no global instance.
func NewRegistry() *Registry {
	return &Registry{
		byChatID: make(map[string]*Session),
		byAddr:   make(map[string]string),
	}
}

// Add creates or replaces the session for chatID. At most one live
// session exists per identity; a prior session's endpoint mapping is
// dropped.
func (r *Registry) Add(chatID string, addr net.Addr, key string) {
	if chatID == "" || addr == nil || key == "" {
		logrus.WithFields(logrus.Fields{
			"function": "Add",
			"chat_id":  chatID,
		}).Error("Refusing to add session with missing fields")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byChatID[chatID]; ok {
		delete(r.byAddr, old.Addr.String())
	}

	sess := &Session{
		ChatID:       chatID,
		Addr:         addr,
		Key:          key,
		LastActivity: time.Now(),
	}
	r.byChatID[chatID] = sess
	r.byAddr[addr.String()] = chatID

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"chat_id":  chatID,
		"addr":     addr.String(),
	}).Info("Session added")
}

// Validate reports whether a live session exists for chatID and its
// recorded endpoint matches addr. A match also refreshes activity.
func (r *Registry) Validate(chatID string, addr net.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byChatID[chatID]
	if !ok || sess.Addr.String() != addr.String() {
		return false
	}
	sess.LastActivity = time.Now()
	return true
}

// KeyByChatID returns the session key for an identity, or "" when no
// session exists.
func (r *Registry) KeyByChatID(chatID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.byChatID[chatID]; ok {
		return sess.Key
	}
	return ""
}

// KeyByAddr returns the session key for whichever identity is bound to
// addr, refreshing that session's activity. Returns "" when the endpoint
// has no session.
func (r *Registry) KeyByAddr(addr net.Addr) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, ok := r.byAddr[addr.String()]
	if !ok {
		return ""
	}
	sess, ok := r.byChatID[chatID]
	if !ok {
		return ""
	}
	sess.LastActivity = time.Now()
	return sess.Key
}

// Get returns a copy of the session for chatID.
func (r *Registry) Get(chatID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byChatID[chatID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// ChatIDByAddr returns the identity bound to addr.
func (r *Registry) ChatIDByAddr(addr net.Addr) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chatID, ok := r.byAddr[addr.String()]
	return chatID, ok
}

// Online reports whether chatID has a live session.
func (r *Registry) Online(chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byChatID[chatID]
	return ok
}

// Remove tears down the session for chatID. It returns the removed
// session so the caller can also drop transactions bound to its endpoint.
func (r *Registry) Remove(chatID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.byChatID[chatID]
	if !ok {
		return Session{}, false
	}
	delete(r.byChatID, chatID)
	delete(r.byAddr, sess.Addr.String())

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"chat_id":  chatID,
	}).Info("Session removed")
	return *sess, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChatID)
}

// SweepInactive removes sessions idle longer than maxIdle and returns
// copies of what was removed, so the caller can cascade transaction
// cleanup per endpoint.
func (r *Registry) SweepInactive(maxIdle time.Duration) []Session {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Session
	for chatID, sess := range r.byChatID {
		if now.Sub(sess.LastActivity) > maxIdle {
			delete(r.byChatID, chatID)
			delete(r.byAddr, sess.Addr.String())
			removed = append(removed, *sess)
			logrus.WithFields(logrus.Fields{
				"function": "SweepInactive",
				"chat_id":  chatID,
				"idle":     now.Sub(sess.LastActivity).String(),
			}).Info("Removed inactive session")
		}
	}
	return removed
}
