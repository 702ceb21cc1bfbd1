package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrRoomNotFound indicates a lookup for an unknown room id.
var ErrRoomNotFound = errors.New("room not found")

// ErrNotEnoughParticipants indicates a room creation with fewer than two
// participants.
var ErrNotEnoughParticipants = errors.New("need at least 2 participants")

// Room is a named chat room with a participant set.
type Room struct {
	ID           string
	Name         string
	Participants map[string]struct{}
}

// RoomStore holds rooms and their membership.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRoomStore returns an empty room store.
func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]*Room)}
}

// Create makes a room with the given name and participants and returns
// its freshly minted id.
func (s *RoomStore) Create(name string, participants []string) (string, error) {
	if len(participants) < 2 {
		return "", ErrNotEnoughParticipants
	}

	room := &Room{
		ID:           uuid.NewString(),
		Name:         name,
		Participants: make(map[string]struct{}, len(participants)),
	}
	for _, p := range participants {
		room.Participants[p] = struct{}{}
	}

	s.mu.Lock()
	s.rooms[room.ID] = room
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Create",
		"room_id":      room.ID,
		"room_name":    name,
		"participants": len(participants),
	}).Info("Room created")
	return room.ID, nil
}

// Get returns a snapshot of the room.
func (s *RoomStore) Get(roomID string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return snapshot(room), true
}

// Delete removes the room.
func (s *RoomStore) Delete(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	return nil
}

// Rename changes the room's display name.
func (s *RoomStore) Rename(roomID, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Name = newName
	return nil
}

// AddUser adds chatID to the room's participant set.
func (s *RoomStore) AddUser(roomID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Participants[chatID] = struct{}{}
	return nil
}

// RemoveUser drops chatID from the room's participant set.
func (s *RoomStore) RemoveUser(roomID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	delete(room.Participants, chatID)
	return nil
}

// IsMember reports whether chatID participates in the room.
func (s *RoomStore) IsMember(roomID, chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, member := room.Participants[chatID]
	return member
}

// Participants returns the room's participant chat ids, sorted.
func (s *RoomStore) Participants(roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	ids := make([]string, 0, len(room.Participants))
	for id := range room.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RoomsFor returns snapshots of every room chatID participates in.
func (s *RoomStore) RoomsFor(chatID string) []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Room
	for _, room := range s.rooms {
		if _, member := room.Participants[chatID]; member {
			out = append(out, snapshot(room))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns snapshots of every room, sorted by id.
func (s *RoomStore) All() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, snapshot(room))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshot(room *Room) Room {
	participants := make(map[string]struct{}, len(room.Participants))
	for p := range room.Participants {
		participants[p] = struct{}{}
	}
	return Room{ID: room.ID, Name: room.Name, Participants: participants}
}
