package store

import (
	"sync"
	"time"
)

// ChatMessage is one persisted room message.
type ChatMessage struct {
	RoomID    string
	Sender    string
	Content   string
	Timestamp time.Time
}

// MessageStore holds message history per room, in arrival order.
type MessageStore struct {
	mu     sync.RWMutex
	byRoom map[string][]ChatMessage
}

// NewMessageStore returns an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byRoom: make(map[string][]ChatMessage)}
}

// Save appends a message to its room's history.
func (s *MessageStore) Save(msg ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRoom[msg.RoomID] = append(s.byRoom[msg.RoomID], msg)
}

// ByRoom returns the room's messages at or after since. A zero since
// returns the full history.
func (s *MessageStore) ByRoom(roomID string, since time.Time) []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ChatMessage
	for _, msg := range s.byRoom[roomID] {
		if since.IsZero() || !msg.Timestamp.Before(since) {
			out = append(out, msg)
		}
	}
	return out
}

// DeleteRoom drops a room's entire history.
func (s *MessageStore) DeleteRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRoom, roomID)
}
