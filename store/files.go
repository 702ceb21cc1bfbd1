package store

import (
	"sync"
	"time"
)

// FileMeta describes one uploaded file held in server storage. Files are
// shared with a room, not a single recipient; any participant may list
// and download them.
type FileMeta struct {
	Name       string
	Size       int64
	ServerPath string
	Sender     string
	RoomID     string
	FileType   string
	Timestamp  time.Time
}

// FileStore indexes uploaded files by the room they were shared with.
type FileStore struct {
	mu     sync.RWMutex
	byRoom map[string][]FileMeta
}

// NewFileStore returns an empty file store.
func NewFileStore() *FileStore {
	return &FileStore{byRoom: make(map[string][]FileMeta)}
}

// Save registers an assembled file for its room.
func (s *FileStore) Save(meta FileMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRoom[meta.RoomID] = append(s.byRoom[meta.RoomID], meta)
}

// ByRoom returns the files shared with a room.
func (s *FileStore) ByRoom(roomID string) []FileMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FileMeta, len(s.byRoom[roomID]))
	copy(out, s.byRoom[roomID])
	return out
}

// Find returns the metadata for a named file in a room.
func (s *FileStore) Find(roomID, name string) (FileMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, meta := range s.byRoom[roomID] {
		if meta.Name == name {
			return meta, true
		}
	}
	return FileMeta{}, false
}

// DeleteRoom drops a room's file index. The files on disk are left for
// out-of-band cleanup.
func (s *FileStore) DeleteRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRoom, roomID)
}
