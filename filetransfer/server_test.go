package filetransfer

import (
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/udpchat/protocol"
	"github.com/opd-ai/udpchat/session"
	"github.com/opd-ai/udpchat/store"
)

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", "report.pdf", "report.pdf", false},
		{"strips directories", "../../etc/passwd", "passwd", false},
		{"strips windows path", `C:\Users\x\doc.txt`, "doc.txt", false},
		{"replaces unsafe runes", "a:b*c?.txt", "a_b_c_.txt", false},
		{"empty", "", "", true},
		{"dot dot", "..", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeFileName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFileNameInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssemblyOrdersChunks(t *testing.T) {
	a := newAssembly("alice", "r1", "f.txt", "text", 6, 3)
	require.NoError(t, a.addChunk(3, []byte("cc")))
	require.NoError(t, a.addChunk(1, []byte("aa")))
	require.NoError(t, a.addChunk(2, []byte("bb")))

	assert.Equal(t, 3, a.received())
	assert.Equal(t, []byte("aabbcc"), a.assemble())
}

func TestAssemblyRejectsOversizedChunk(t *testing.T) {
	a := newAssembly("alice", "r1", "f.txt", "text", 1, 1)
	assert.ErrorIs(t, a.addChunk(1, make([]byte, MaxChunkSize+1)), ErrChunkTooLarge)
}

type fileFixture struct {
	t      *testing.T
	srv    *Server
	conn   net.PacketConn
	roomID string
}

func newFileFixture(t *testing.T) *fileFixture {
	t.Helper()

	rooms := store.NewRoomStore()
	roomID, err := rooms.Create("general", []string{"alice", "bob"})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.StorageDir = t.TempDir()
	opts.SweepInterval = 0

	srv, err := New(opts, store.NewFileStore(), store.NewMessageStore(), rooms, session.NewRegistry(), nil)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(func() { srv.Close() })

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &fileFixture{t: t, srv: srv, conn: conn, roomID: roomID}
}

func (f *fileFixture) send(action string, data map[string]interface{}) {
	f.t.Helper()
	msg := protocol.NewMessage(action)
	for k, v := range data {
		msg.Data[k] = v
	}
	raw, err := msg.Serialize()
	require.NoError(f.t, err)
	_, err = f.conn.WriteTo([]byte(raw), f.srv.LocalAddr())
	require.NoError(f.t, err)
}

func (f *fileFixture) recv() *protocol.Message {
	f.t.Helper()
	buf := make([]byte, protocol.MaxPacketSize)
	require.NoError(f.t, f.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := f.conn.ReadFrom(buf)
	require.NoError(f.t, err)

	res, ok := protocol.DecryptAndParse(buf[:n], "")
	require.True(f.t, ok)
	return res.Message
}

func TestUploadListDownloadRoundTrip(t *testing.T) {
	f := newFileFixture(t)
	content := []byte("the quick brown fox jumps over the lazy dog")
	half := len(content) / 2

	f.send(ActionFileSendInit, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "fox.txt",
		KeyFileType:        "text",
		KeyFileSize:        len(content),
		KeyTotalPackets:    2,
	})
	reply := f.recv()
	require.Equal(t, ActionFileSendInit, reply.Action)
	require.Equal(t, protocol.StatusSuccess, reply.Status)

	for seq, chunk := range map[int][]byte{1: content[:half], 2: content[half:]} {
		f.send(ActionFileSendData, map[string]interface{}{
			protocol.KeyChatID: "alice",
			protocol.KeyRoomID: f.roomID,
			KeyFileName:        "fox.txt",
			KeySequenceNumber:  seq,
			KeyFileData:        base64.StdEncoding.EncodeToString(chunk),
		})
		reply = f.recv()
		require.Equal(t, protocol.StatusSuccess, reply.Status)
	}

	f.send(ActionFileSendFin, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "fox.txt",
	})
	reply = f.recv()
	require.Equal(t, ActionFileSendFin, reply.Action)
	require.Equal(t, protocol.StatusSuccess, reply.Status)

	assembled, err := os.ReadFile(filepath.Join(f.srv.opts.StorageDir, f.roomID, "fox.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, assembled)

	// The upload shows up in the room listing.
	f.send(ActionFileListReq, map[string]interface{}{
		protocol.KeyChatID: "bob",
		protocol.KeyRoomID: f.roomID,
	})
	reply = f.recv()
	require.Equal(t, protocol.StatusSuccess, reply.Status)
	list, ok := reply.Data[KeyFileList].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)

	// Download it back: meta, data packets, fin.
	f.send(ActionFileDownReq, map[string]interface{}{
		protocol.KeyChatID: "bob",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "fox.txt",
	})

	meta := f.recv()
	require.Equal(t, ActionFileDownMeta, meta.Action)
	totalPackets, ok := meta.Data[KeyTotalPackets].(float64)
	require.True(t, ok)

	var downloaded []byte
	for i := 0; i < int(totalPackets); i++ {
		data := f.recv()
		require.Equal(t, ActionFileDownData, data.Action)
		encoded, ok := data.DataString(KeyFileData)
		require.True(t, ok)
		chunk, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		downloaded = append(downloaded, chunk...)
	}

	fin := f.recv()
	require.Equal(t, ActionFileDownFin, fin.Action)
	assert.Equal(t, content, downloaded)
}

func TestUploadRejectsNonMember(t *testing.T) {
	f := newFileFixture(t)

	f.send(ActionFileSendInit, map[string]interface{}{
		protocol.KeyChatID: "mallory",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "x.txt",
		KeyFileSize:        10,
		KeyTotalPackets:    1,
	})
	reply := f.recv()
	assert.Equal(t, protocol.StatusFailure, reply.Status)
	assert.Equal(t, protocol.ErrMsgNotInRoom, reply.Message)
}

func TestChunkForUnknownTransferFails(t *testing.T) {
	f := newFileFixture(t)

	f.send(ActionFileSendData, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "never-initialized.txt",
		KeySequenceNumber:  1,
		KeyFileData:        base64.StdEncoding.EncodeToString([]byte("x")),
	})
	reply := f.recv()
	assert.Equal(t, protocol.StatusFailure, reply.Status)
}

func TestFinWithMissingChunksFails(t *testing.T) {
	f := newFileFixture(t)

	f.send(ActionFileSendInit, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "partial.txt",
		KeyFileSize:        100,
		KeyTotalPackets:    3,
	})
	require.Equal(t, protocol.StatusSuccess, f.recv().Status)

	f.send(ActionFileSendData, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "partial.txt",
		KeySequenceNumber:  1,
		KeyFileData:        base64.StdEncoding.EncodeToString([]byte("only one")),
	})
	require.Equal(t, protocol.StatusSuccess, f.recv().Status)

	f.send(ActionFileSendFin, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "partial.txt",
	})
	reply := f.recv()
	assert.Equal(t, protocol.StatusFailure, reply.Status)

	_, err := os.Stat(filepath.Join(f.srv.opts.StorageDir, f.roomID, "partial.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadUnknownFileFails(t *testing.T) {
	f := newFileFixture(t)

	f.send(ActionFileDownReq, map[string]interface{}{
		protocol.KeyChatID: "alice",
		protocol.KeyRoomID: f.roomID,
		KeyFileName:        "nope.txt",
	})
	reply := f.recv()
	assert.Equal(t, protocol.StatusFailure, reply.Status)
}
