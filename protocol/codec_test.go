package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/udpchat/crypto"
)

func encryptedFrame(t *testing.T, msg *Message, key string) []byte {
	t.Helper()
	plain, err := msg.Serialize()
	require.NoError(t, err)
	return []byte(crypto.Encrypt(plain, key))
}

func TestDecryptAndParse(t *testing.T) {
	msg := NewMessage(ActionLogin)
	msg.Data[KeyChatID] = "alice"
	raw := encryptedFrame(t, msg, FixedKey)

	res, ok := DecryptAndParse(raw, FixedKey)
	require.True(t, ok)
	assert.Equal(t, ActionLogin, res.Message.Action)
	assert.Equal(t, FixedKey, res.Key)

	chatid, ok := res.Message.DataString(KeyChatID)
	require.True(t, ok)
	assert.Equal(t, "alice", chatid)

	// The plaintext must be the exact decrypted string, signature-stable.
	assert.True(t, crypto.ComputeSignature(res.PlainText).
		Equal(crypto.ComputeSignature(crypto.Decrypt(string(raw), FixedKey))))
}

func TestDecryptAndParseWrongKey(t *testing.T) {
	msg := NewMessage(ActionSendMessage)
	raw := encryptedFrame(t, msg, "SessionKey123456")

	_, ok := DecryptAndParse(raw, FixedKey)
	assert.False(t, ok, "wrong key must fail to parse, not panic")
}

func TestDecryptAndParseMalformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"Not JSON", "not json at all"},
		{"JSON array", `["action"]`},
		{"Missing action", `{"status":"success"}`},
		{"Empty", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(crypto.Encrypt(tc.raw, FixedKey))
			_, ok := DecryptAndParse(raw, FixedKey)
			assert.False(t, ok)
		})
	}
}

func TestDecryptWithFallback(t *testing.T) {
	sessionKey := "abcdefghij" // length differs from FixedKey

	t.Run("Session key wins", func(t *testing.T) {
		msg := NewMessage(ActionSendMessage)
		raw := encryptedFrame(t, msg, sessionKey)

		res, ok := DecryptWithFallback(raw, sessionKey)
		require.True(t, ok)
		assert.Equal(t, sessionKey, res.Key)
	})

	t.Run("Falls back to fixed key", func(t *testing.T) {
		msg := NewMessage(ActionLogin)
		raw := encryptedFrame(t, msg, FixedKey)

		res, ok := DecryptWithFallback(raw, sessionKey)
		require.True(t, ok)
		assert.Equal(t, FixedKey, res.Key)
	})

	t.Run("No session key tries fixed only", func(t *testing.T) {
		msg := NewMessage(ActionRegister)
		raw := encryptedFrame(t, msg, FixedKey)

		res, ok := DecryptWithFallback(raw, "")
		require.True(t, ok)
		assert.Equal(t, FixedKey, res.Key)
	})

	t.Run("Neither key decodes", func(t *testing.T) {
		msg := NewMessage(ActionSendMessage)
		raw := encryptedFrame(t, msg, "some-other-key-entirely")

		_, ok := DecryptWithFallback(raw, sessionKey)
		assert.False(t, ok)
	})
}

func TestCodecSendRoundTrip(t *testing.T) {
	receiver, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	codec := NewCodec(sender)
	msg := NewReply(ActionAck, StatusSuccess, "Action processed successfully.", map[string]interface{}{
		KeyTransactionID: "C2S_login_test",
	})

	plain, err := codec.Send(receiver.LocalAddr(), msg, FixedKey)
	require.NoError(t, err)
	assert.Contains(t, plain, ActionAck)

	buf := make([]byte, MaxPacketSize)
	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := receiver.ReadFrom(buf)
	require.NoError(t, err)

	res, ok := DecryptAndParse(buf[:n], FixedKey)
	require.True(t, ok)
	assert.Equal(t, ActionAck, res.Message.Action)
	assert.Equal(t, StatusSuccess, res.Message.Status)

	txID, ok := res.Message.TransactionID()
	require.True(t, ok)
	assert.Equal(t, "C2S_login_test", txID)

	// Signature of sent plaintext matches signature of received plaintext.
	assert.True(t, crypto.ComputeSignature(plain).Equal(crypto.ComputeSignature(res.PlainText)))
}

func TestMessageFrequencies(t *testing.T) {
	msg := &Message{
		Action: ActionCharacterCount,
		Data: map[string]interface{}{
			KeyLetterFrequencies: map[string]interface{}{
				"a": float64(3),
				"b": float64(1),
			},
		},
	}

	freqs, ok := msg.Frequencies(KeyLetterFrequencies)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"a": 3, "b": 1}, freqs)
}

func TestMessageDataStringSlice(t *testing.T) {
	msg := &Message{
		Action: ActionCreateRoom,
		Data: map[string]interface{}{
			KeyParticipants: []interface{}{"alice", "bob"},
		},
	}

	participants, ok := msg.DataStringSlice(KeyParticipants)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, participants)

	msg.Data[KeyParticipants] = []interface{}{"alice", 42}
	_, ok = msg.DataStringSlice(KeyParticipants)
	assert.False(t, ok)
}
