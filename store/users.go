// Package store provides the in-memory data-access layer behind the
// action callbacks: users, rooms, message history, and file metadata.
//
// The protocol core treats persistence as an external collaborator; this
// package is the process-lifetime implementation of that collaborator's
// lookup/save operations. All stores are safe for concurrent use.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserExists indicates a registration for an already-taken chat id.
var ErrUserExists = errors.New("user already exists")

// ErrUserNotFound indicates a lookup for an unknown chat id.
var ErrUserNotFound = errors.New("user not found")

// UserStore holds registered users with bcrypt-hashed passwords.
type UserStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte // chatid -> bcrypt hash
}

// NewUserStore returns an empty user store.
func NewUserStore() *UserStore {
	return &UserStore{hashes: make(map[string][]byte)}
}

// Register creates a user. The password is stored as a bcrypt hash.
func (s *UserStore) Register(chatID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hashes[chatID]; ok {
		return ErrUserExists
	}
	s.hashes[chatID] = hash

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"chat_id":  chatID,
	}).Info("User registered")
	return nil
}

// Authenticate verifies a chat id + password pair.
func (s *UserStore) Authenticate(chatID, password string) bool {
	s.mu.RLock()
	hash, ok := s.hashes[chatID]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Exists reports whether chatID is registered.
func (s *UserStore) Exists(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[chatID]
	return ok
}

// List returns all registered chat ids, sorted.
func (s *UserStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.hashes))
	for id := range s.hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
