package crypto

import (
	"crypto/rand"
	"math/big"

	"github.com/sirupsen/logrus"
)

// keyAlphabet contains the characters allowed in generated session keys.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultKeyLength is the length of generated session keys. Because the
// cipher shift is derived from key length, all default keys share the
// same shift; the key string still uniquely identifies the session.
const DefaultKeyLength = 16

// GenerateKey returns a random key of the given length drawn from the
// key alphabet. Length must be positive.
func GenerateKey(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidKeyLength
	}

	key := make([]byte, length)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := range key {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "GenerateKey",
				"error":    err.Error(),
			}).Error("Failed to read random bytes for session key")
			return "", err
		}
		key[i] = keyAlphabet[n.Int64()]
	}
	return string(key), nil
}

// GenerateSessionKey returns a random key of the default length.
func GenerateSessionKey() (string, error) {
	return GenerateKey(DefaultKeyLength)
}
