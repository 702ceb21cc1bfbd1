// Package filetransfer implements the companion file-sharing service:
// chunked uploads into per-room server storage, room file listings, and
// chunked downloads.
//
// The service runs on its own UDP port next to the chat engine. Frames
// are plain JSON: file payloads ride base64-encoded inside the data
// object, and the confirmation handshake is not used — per-chunk
// success/failure replies give the sender enough to retry.
package filetransfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ChunkSize is the payload size the download path reads per data packet.
const ChunkSize = 32 * 1024

// MaxChunkSize caps an inbound chunk to prevent memory exhaustion from a
// single oversized packet.
const MaxChunkSize = 48 * 1024

// MaxFileNameLength caps file names at typical filesystem limits.
const MaxFileNameLength = 255

// ErrChunkTooLarge indicates an inbound chunk above MaxChunkSize.
var ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

// ErrTransferNotFound indicates a data or fin packet for a transfer that
// was never initialized.
var ErrTransferNotFound = errors.New("file transfer not initialized")

// ErrFileNameInvalid indicates a file name that is empty, too long, or
// reduces to nothing after sanitization.
var ErrFileNameInvalid = errors.New("invalid file name")

// SanitizeFileName strips any directory components and replaces
// characters that are unsafe in file names. Uploads choose their own
// names, so this is the only barrier between the wire and the
// filesystem.
func SanitizeFileName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch r {
		case ':', '*', '?', '|', '<', '>', '"':
			return '_'
		}
		return r
	}, base)

	if base == "" || base == "." || base == ".." || len(base) > MaxFileNameLength {
		return "", ErrFileNameInvalid
	}
	return base, nil
}

// assembly is the reassembly context for one in-flight upload. Each
// upload gets its own instance keyed by transfer id, so concurrent
// uploads never share mutable state.
type assembly struct {
	mu sync.Mutex

	sender      string
	roomID      string
	fileName    string
	fileType    string
	fileSize    int64
	totalChunks int
	chunks      map[int][]byte
	createdAt   time.Time
}

// transferID keys an upload by who sends what into which room, matching
// how the sender tags every packet of the transfer.
func transferID(sender, roomID, fileName string) string {
	return fmt.Sprintf("%s_%s_%s", sender, roomID, fileName)
}

func newAssembly(sender, roomID, fileName, fileType string, fileSize int64, totalChunks int) *assembly {
	return &assembly{
		sender:      sender,
		roomID:      roomID,
		fileName:    fileName,
		fileType:    fileType,
		fileSize:    fileSize,
		totalChunks: totalChunks,
		chunks:      make(map[int][]byte, totalChunks),
		createdAt:   time.Now(),
	}
}

// addChunk records one sequence-numbered chunk. Duplicates overwrite,
// making sender retries idempotent.
func (a *assembly) addChunk(seq int, data []byte) error {
	if len(data) > MaxChunkSize {
		return ErrChunkTooLarge
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.chunks[seq] = data
	return nil
}

// assemble concatenates the received chunks in sequence order.
func (a *assembly) assemble() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	seqs := make([]int, 0, len(a.chunks))
	for seq := range a.chunks {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	var out []byte
	for _, seq := range seqs {
		out = append(out, a.chunks[seq]...)
	}
	return out
}

// received reports how many distinct chunks have arrived.
func (a *assembly) received() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// assemblyTable tracks all in-flight uploads.
type assemblyTable struct {
	mu        sync.Mutex
	transfers map[string]*assembly
}

func newAssemblyTable() *assemblyTable {
	return &assemblyTable{transfers: make(map[string]*assembly)}
}

func (t *assemblyTable) start(id string, a *assembly) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transfers[id] = a
}

func (t *assemblyTable) get(id string) (*assembly, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.transfers[id]
	return a, ok
}

// take removes and returns the transfer, so fin processing happens
// exactly once even under duplicate fin packets.
func (t *assemblyTable) take(id string) (*assembly, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.transfers[id]
	if ok {
		delete(t.transfers, id)
	}
	return a, ok
}

// sweep drops uploads idle since before the cutoff and returns how many
// were removed.
func (t *assemblyTable) sweep(maxAge time.Duration) int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, a := range t.transfers {
		if now.Sub(a.createdAt) > maxAge {
			delete(t.transfers, id)
			removed++
		}
	}
	return removed
}
