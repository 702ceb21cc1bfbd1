package filetransfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

// File transfer actions, carried in the same top-level action field as
// the chat protocol but served on the file port.
const (
	ActionFileSendInit = "file_send_init"
	ActionFileSendData = "file_send_data"
	ActionFileSendFin  = "file_send_fin"
	ActionFileListReq  = "file_list_req"
	ActionFileDownReq  = "file_down_req"
	ActionFileDownMeta = "file_down_meta"
	ActionFileDownData = "file_down_data"
	ActionFileDownFin  = "file_down_fin"
)

// Data keys specific to the file service.
const (
	KeyFileName       = "file_name"
	KeyFileSize       = "file_size"
	KeyFileType       = "file_type"
	KeyTotalPackets   = "total_packets"
	KeySequenceNumber = "sequence_number"
	KeyFileData       = "file_data"
	KeyFileList       = "file_list"
)

// Notifier pushes confirmed chat messages; the protocol engine satisfies
// it. Completed uploads are announced to the room through the normal
// confirmation flow, not the file port.
type Notifier interface {
	InitiateServerToClientFlow(action string, msg *protocol.Message, addr net.Addr, key string) error
}

// Options configures a file transfer Server.
type Options struct {
	// ListenAddr is the UDP address to bind, e.g. ":9877".
	ListenAddr string
	// StorageDir is the root directory for assembled files, one
	// subdirectory per room.
	StorageDir string
	// TransferTimeout is how long a started upload may sit without its
	// fin before the sweeper reclaims it.
	TransferTimeout time.Duration
	// SweepInterval is how often stalled uploads are reclaimed.
	SweepInterval time.Duration
	// ReadTimeout bounds each blocking socket read.
	ReadTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ListenAddr:      ":9877",
		StorageDir:      "server_storage",
		TransferTimeout: 5 * time.Minute,
		SweepInterval:   time.Minute,
		ReadTimeout:     100 * time.Millisecond,
	}
}

// Server is the file transfer service. It shares the chat server's
// stores and session registry but owns its own socket.
type Server struct {
	conn     net.PacketConn
	opts     Options
	files    *store.FileStore
	messages *store.MessageStore
	rooms    *store.RoomStore
	sessions *session.Registry
	notifier Notifier
	uploads  *assemblyTable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the file port and prepares the server. notifier may be nil;
// completed uploads are then stored but not announced.
func New(opts Options, files *store.FileStore, messages *store.MessageStore, rooms *store.RoomStore, sessions *session.Registry, notifier Notifier) (*Server, error) {
	conn, err := net.ListenPacket("udp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.StorageDir, 0o755); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conn:     conn,
		opts:     opts,
		files:    files,
		messages: messages,
		rooms:    rooms,
		sessions: sessions,
		notifier: notifier,
		uploads:  newAssemblyTable(),
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     conn.LocalAddr().String(),
		"storage":  opts.StorageDir,
	}).Info("File transfer server initialized")
	return s, nil
}

// LocalAddr returns the bound UDP address.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Start launches the receive loop and the stalled-upload sweeper.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.receiveLoop()

	if s.opts.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
}

// Close stops the loops and releases the socket.
func (s *Server) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *Server) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, protocol.MaxPacketSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err.Error(),
			}).Warn("File socket read failed")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.wg.Add(1)
		go func(raw []byte, addr net.Addr) {
			defer s.wg.Done()
			s.processDatagram(raw, addr)
		}(raw, addr)
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if removed := s.uploads.sweep(s.opts.TransferTimeout); removed > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "sweepLoop",
					"removed":  removed,
				}).Info("Reclaimed stalled uploads")
			}
		}
	}
}

func (s *Server) processDatagram(raw []byte, addr net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processDatagram",
				"addr":     addr.String(),
				"panic":    r,
			}).Error("Recovered from panic while processing file datagram")
		}
	}()

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processDatagram",
			"addr":     addr.String(),
			"size":     len(raw),
		}).Warn("Dropping unparseable file datagram")
		return
	}

	switch msg.Action {
	case ActionFileSendInit:
		s.handleSendInit(&msg, addr)
	case ActionFileSendData:
		s.handleSendData(&msg, addr)
	case ActionFileSendFin:
		s.handleSendFin(&msg, addr)
	case ActionFileListReq:
		s.handleListReq(&msg, addr)
	case ActionFileDownReq:
		s.handleDownReq(&msg, addr)
	default:
		s.reply(addr, msg.Action, protocol.StatusError, protocol.ErrMsgUnknownAction, nil)
	}
}

// handleSendInit opens a fresh assembly context for an upload.
func (s *Server) handleSendInit(msg *protocol.Message, addr net.Addr) {
	sender, _ := msg.DataString(protocol.KeyChatID)
	roomID, _ := msg.DataString(protocol.KeyRoomID)
	rawName, _ := msg.DataString(KeyFileName)
	fileType, _ := msg.DataString(KeyFileType)
	fileSize, okSize := dataInt(msg, KeyFileSize)
	totalPackets, okTotal := dataInt(msg, KeyTotalPackets)

	if sender == "" || roomID == "" || rawName == "" || !okSize || !okTotal {
		s.reply(addr, ActionFileSendInit, protocol.StatusError, protocol.ErrMsgMissingField+"file upload fields", nil)
		return
	}
	if fileSize <= 0 || totalPackets <= 0 {
		s.reply(addr, ActionFileSendInit, protocol.StatusFailure, "Invalid file size or total packets.", nil)
		return
	}
	if !s.rooms.IsMember(roomID, sender) {
		s.reply(addr, ActionFileSendInit, protocol.StatusFailure, protocol.ErrMsgNotInRoom, nil)
		return
	}
	name, err := SanitizeFileName(rawName)
	if err != nil {
		s.reply(addr, ActionFileSendInit, protocol.StatusFailure, "Invalid file name.", nil)
		return
	}

	s.uploads.start(transferID(sender, roomID, rawName),
		newAssembly(sender, roomID, name, fileType, int64(fileSize), totalPackets))

	logrus.WithFields(logrus.Fields{
		"function":  "handleSendInit",
		"chat_id":   sender,
		"room_id":   roomID,
		"file_name": name,
		"file_size": fileSize,
		"packets":   totalPackets,
	}).Info("Upload started")

	s.reply(addr, ActionFileSendInit, protocol.StatusSuccess, "Upload accepted.", msg.Data)
}

// handleSendData stores one chunk into its transfer's assembly context.
func (s *Server) handleSendData(msg *protocol.Message, addr net.Addr) {
	sender, _ := msg.DataString(protocol.KeyChatID)
	roomID, _ := msg.DataString(protocol.KeyRoomID)
	rawName, _ := msg.DataString(KeyFileName)
	seq, okSeq := dataInt(msg, KeySequenceNumber)
	encoded, okData := msg.DataString(KeyFileData)

	if !okSeq || !okData {
		s.reply(addr, ActionFileSendData, protocol.StatusError, protocol.ErrMsgMissingField+"chunk fields", nil)
		return
	}

	a, ok := s.uploads.get(transferID(sender, roomID, rawName))
	if !ok {
		s.reply(addr, ActionFileSendData, protocol.StatusFailure, ErrTransferNotFound.Error(), nil)
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		s.reply(addr, ActionFileSendData, protocol.StatusError, "Invalid chunk encoding.", nil)
		return
	}
	if err := a.addChunk(seq, chunk); err != nil {
		s.reply(addr, ActionFileSendData, protocol.StatusFailure, err.Error(), nil)
		return
	}

	s.reply(addr, ActionFileSendData, protocol.StatusSuccess,
		fmt.Sprintf("Chunk %d received.", seq), map[string]interface{}{
			KeySequenceNumber: seq,
		})
}

// handleSendFin assembles the upload, writes it into the room's storage
// directory, records the metadata, and announces the file to the room as
// a regular chat message.
func (s *Server) handleSendFin(msg *protocol.Message, addr net.Addr) {
	sender, _ := msg.DataString(protocol.KeyChatID)
	roomID, _ := msg.DataString(protocol.KeyRoomID)
	rawName, _ := msg.DataString(KeyFileName)

	a, ok := s.uploads.take(transferID(sender, roomID, rawName))
	if !ok {
		s.reply(addr, ActionFileSendFin, protocol.StatusFailure, ErrTransferNotFound.Error(), nil)
		return
	}

	if got := a.received(); got != a.totalChunks {
		logrus.WithFields(logrus.Fields{
			"function":  "handleSendFin",
			"file_name": a.fileName,
			"received":  got,
			"expected":  a.totalChunks,
		}).Warn("Upload finished with missing chunks, discarding")
		s.reply(addr, ActionFileSendFin, protocol.StatusFailure,
			fmt.Sprintf("Missing chunks: got %d of %d.", got, a.totalChunks), nil)
		return
	}

	content := a.assemble()
	roomDir := filepath.Join(s.opts.StorageDir, a.roomID)
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		s.reply(addr, ActionFileSendFin, protocol.StatusError, "Server storage error.", nil)
		return
	}
	path := filepath.Join(roomDir, a.fileName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSendFin",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to write assembled file")
		_ = os.Remove(path)
		s.reply(addr, ActionFileSendFin, protocol.StatusError, "Failed to write assembled file.", nil)
		return
	}

	now := time.Now()
	s.files.Save(store.FileMeta{
		Name:       a.fileName,
		Size:       int64(len(content)),
		ServerPath: path,
		Sender:     a.sender,
		RoomID:     a.roomID,
		FileType:   a.fileType,
		Timestamp:  now,
	})

	notice := fmt.Sprintf("Shared file '%s' (%d bytes)", a.fileName, len(content))
	s.messages.Save(store.ChatMessage{
		RoomID:    a.roomID,
		Sender:    a.sender,
		Content:   notice,
		Timestamp: now,
	})
	s.announceToRoom(a.roomID, a.sender, notice, now)

	logrus.WithFields(logrus.Fields{
		"function":  "handleSendFin",
		"file_name": a.fileName,
		"room_id":   a.roomID,
		"size":      len(content),
	}).Info("Upload assembled")

	s.reply(addr, ActionFileSendFin, protocol.StatusSuccess,
		fmt.Sprintf("File assembled: %d bytes.", len(content)), nil)
}

// handleListReq reports the files available in a room.
func (s *Server) handleListReq(msg *protocol.Message, addr net.Addr) {
	requester, _ := msg.DataString(protocol.KeyChatID)
	roomID, ok := msg.DataString(protocol.KeyRoomID)
	if !ok {
		s.reply(addr, ActionFileListReq, protocol.StatusError, protocol.ErrMsgMissingField+"'data."+protocol.KeyRoomID+"'", nil)
		return
	}
	if !s.rooms.IsMember(roomID, requester) {
		s.reply(addr, ActionFileListReq, protocol.StatusFailure, protocol.ErrMsgNotInRoom, nil)
		return
	}

	files := s.files.ByRoom(roomID)
	list := make([]map[string]interface{}, 0, len(files))
	for _, meta := range files {
		list = append(list, map[string]interface{}{
			KeyFileName:           meta.Name,
			KeyFileSize:           meta.Size,
			KeyFileType:           meta.FileType,
			protocol.KeyChatID:    meta.Sender,
			protocol.KeyTimestamp: meta.Timestamp.Format(time.RFC3339),
		})
	}

	s.reply(addr, ActionFileListReq, protocol.StatusSuccess, roomID, map[string]interface{}{
		protocol.KeyRoomID: roomID,
		KeyFileList:        list,
	})
}

/// handleDownReq streams a stored file back: one meta packet, the data
// chunks, then a fin. The stream runs in its own goroutine so a slow
// disk never blocks the receive loop.
func (s *Server) handleDownReq(msg *protocol.Message, addr net.Addr) {
	requester, _ := msg.DataString(protocol.KeyChatID)
	roomID, _ := msg.DataString(protocol.KeyRoomID)
	name, okName := msg.DataString(KeyFileName)
	if roomID == "" || !okName {
		s.reply(addr, ActionFileDownReq, protocol.StatusError, protocol.ErrMsgMissingField+"download fields", nil)
		return
	}
	if !s.rooms.IsMember(roomID, requester) {
		s.reply(addr, ActionFileDownReq, protocol.StatusFailure, protocol.ErrMsgNotInRoom, nil)
		return
	}

	meta, ok := s.files.Find(roomID, name)
	if !ok {
		s.reply(addr, ActionFileDownReq, protocol.StatusFailure, "File not listed for this room.", nil)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.streamFile(meta, addr)
	}()
}

func (s *Server) streamFile(meta store.FileMeta, addr net.Addr) {
	content, err := os.ReadFile(meta.ServerPath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "streamFile",
			"path":     meta.ServerPath,
			"error":    err.Error(),
		}).Error("Stored file unreadable")
		s.reply(addr, ActionFileDownReq, protocol.StatusError, "File not found or unreadable on server.", nil)
		return
	}

	totalPackets := int(math.Ceil(float64(len(content)) / float64(ChunkSize)))

	s.reply(addr, ActionFileDownMeta, protocol.StatusSuccess, "", map[string]interface{}{
		protocol.KeyRoomID: meta.RoomID,
		KeyFileName:        meta.Name,
		KeyFileSize:        len(content),
		KeyTotalPackets:    totalPackets,
	})

	for seq := 1; seq <= totalPackets; seq++ {
		start := (seq - 1) * ChunkSize
		end := start + ChunkSize
		if end > len(content) {
			end = len(content)
		}
		s.reply(addr, ActionFileDownData, protocol.StatusSuccess, "", map[string]interface{}{
			KeyFileName:       meta.Name,
			KeySequenceNumber: seq,
			KeyFileData:       base64.StdEncoding.EncodeToString(content[start:end]),
		})
	}

	s.reply(addr, ActionFileDownFin, protocol.StatusSuccess, "", map[string]interface{}{
		KeyFileName:     meta.Name,
		KeyTotalPackets: totalPackets,
	})

	logrus.WithFields(logrus.Fields{
		"function":  "streamFile",
		"file_name": meta.Name,
		"addr":      addr.String(),
		"packets":   totalPackets,
	}).Info("Download streamed")
}

// announceToRoom forwards the upload notice to every online participant
// through the chat engine's confirmation flow.
func (s *Server) announceToRoom(roomID, sender, content string, ts time.Time) {
	if s.notifier == nil {
		return
	}
	participants, err := s.rooms.Participants(roomID)
	if err != nil {
		return
	}

	for _, chatID := range participants {
		if chatID == sender {
			continue
		}
		sess, ok := s.sessions.Get(chatID)
		if !ok {
			continue
		}
		push := protocol.NewMessage(protocol.ActionReceiveMessage)
		push.Data[protocol.KeyRoomID] = roomID
		push.Data[protocol.KeySenderChatID] = sender
		push.Data[protocol.KeyContent] = content
		push.Data[protocol.KeyTimestamp] = ts.Format(time.RFC3339)
		if err := s.notifier.InitiateServerToClientFlow(protocol.ActionReceiveMessage, push, sess.Addr, sess.Key); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "announceToRoom",
				"chat_id":  chatID,
				"error":    err.Error(),
			}).Warn("Failed to announce upload")
		}
	}
}

// reply writes one plain JSON frame back to addr.
func (s *Server) reply(addr net.Addr, action, status, note string, data map[string]interface{}) {
	msg := protocol.NewReply(action, status, note, data)
	raw, err := msg.Serialize()
	if err != nil {
		return
	}
	if _, err := s.conn.WriteTo([]byte(raw), addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "reply",
			"action":   action,
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to write file reply")
	}
}

// dataInt extracts an integer field from the data payload. JSON numbers
// decode as float64.
func dataInt(msg *protocol.Message, key string) (int, bool) {
	if msg.Data == nil {
		return 0, false
	}
	switch v := msg.Data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
