package protocol

import (
	"encoding/json"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/udpchat/crypto"
)

// DecodeResult is the outcome of decrypting and parsing a datagram with a
// candidate key. A failed attempt is reported as (zero value, false), not
// as an error: wrong-key decryption produces garbage that simply fails to
// parse, and the caller is expected to try the next candidate key.
type DecodeResult struct {
	// Message is the parsed wire message.
	Message *Message
	// PlainText is the exact decrypted string the message was parsed
	// from. Signatures are computed over this string, never over a
	// re-serialization of Message.
	PlainText string
	// Key is the key that successfully decrypted the datagram.
	Key string
}

// Codec encrypts outbound messages and decrypts inbound datagrams on a
// shared packet connection.
type Codec struct {
	conn net.PacketConn
}

// NewCodec wraps a packet connection.
func NewCodec(conn net.PacketConn) *Codec {
	return &Codec{conn: conn}
}

// DecryptAndParse tries to decrypt raw with key and parse the result as a
// wire message. The ok result is false when the key is wrong or the frame
// is not a JSON object with an action field.
func DecryptAndParse(raw []byte, key string) (DecodeResult, bool) {
	plain := crypto.Decrypt(string(raw), key)

	var msg Message
	if err := json.Unmarshal([]byte(plain), &msg); err != nil {
		return DecodeResult{}, false
	}
	if msg.Action == "" {
		return DecodeResult{}, false
	}

	return DecodeResult{
		Message:   &msg,
		PlainText: plain,
		Key:       key,
	}, true
}

// DecryptWithFallback tries the session key (when non-empty) first, then
// the fixed pre-shared key. The returned DecodeResult records which key
// succeeded so the whole transaction stays bound to it.
func DecryptWithFallback(raw []byte, sessionKey string) (DecodeResult, bool) {
	if sessionKey != "" {
		if res, ok := DecryptAndParse(raw, sessionKey); ok {
			return res, true
		}
		logrus.WithFields(logrus.Fields{
			"function": "DecryptWithFallback",
		}).Debug("Session key failed to decode datagram, trying fixed key")
	}
	return DecryptAndParse(raw, FixedKey)
}

// Send serializes msg, encrypts it with key, and writes it to addr. The
// write is fire-and-forget; reliability lives in the handshake above.
// The serialized plaintext is returned so callers can compute the
// signature of the exact bytes that were sent.
func (c *Codec) Send(addr net.Addr, msg *Message, key string) (string, error) {
	plain, err := msg.Serialize()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"action":   msg.Action,
			"error":    err.Error(),
		}).Error("Failed to serialize outbound message")
		return "", err
	}

	cipherText := crypto.Encrypt(plain, key)
	if _, err := c.conn.WriteTo([]byte(cipherText), addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"action":   msg.Action,
			"addr":     addr.String(),
			"error":    err.Error(),
		}).Error("Failed to write datagram")
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"action":   msg.Action,
		"addr":     addr.String(),
		"size":     len(cipherText),
	}).Debug("Sent datagram")

	return plain, nil
}
