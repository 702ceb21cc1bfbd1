// Package crypto implements the symmetric obfuscation cipher and the
// character-frequency signature used by the udpchat protocol.
//
// The cipher shifts Unicode code points by the length of the key string,
// so the key material itself is opaque and only its length is
// operationally significant. The signature is a per-character frequency
// histogram of a message's serialized text; it is a crude transmission
// integrity check, not a cryptographic hash.
//
// Example:
//
//	cipherText := crypto.Encrypt(`{"action":"login"}`, key)
//	plainText := crypto.Decrypt(cipherText, key)
//	sig := crypto.ComputeSignature(plainText)
package crypto

import (
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Signature is a character-frequency histogram of a serialized message.
// Keys are the single-character string form of each rune, which is also
// the signature's JSON wire representation.
type Signature map[string]int

// Encrypt shifts every code point of plainText forward by len(key).
// Characters whose shifted value would not be a valid code point are
// kept unchanged. Empty input or an empty key returns plainText as-is.
func Encrypt(plainText, key string) string {
	if plainText == "" || key == "" {
		return plainText
	}
	return shiftText(plainText, len(key))
}

// Decrypt reverses Encrypt by shifting every code point back by len(key).
// Decrypting with the wrong key does not fail; it produces garbled text
// that the caller detects by failing to parse it as a structured message.
func Decrypt(cipherText, key string) string {
	if cipherText == "" || key == "" {
		return cipherText
	}
	return shiftText(cipherText, -len(key))
}

// shiftText applies the code-point shift to text. A positive shift
// encrypts, a negative shift decrypts.
func shiftText(text string, shift int) string {
	buf := make([]rune, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		shifted := rune(int(r) + shift)
		if utf8.ValidRune(shifted) {
			buf = append(buf, shifted)
		} else {
			// Out of code-point range; keep the original character.
			buf = append(buf, r)
		}
	}
	return string(buf)
}

// ComputeSignature counts the occurrences of every rune in text.
func ComputeSignature(text string) Signature {
	sig := make(Signature)
	for _, r := range text {
		sig[string(r)]++
	}

	logrus.WithFields(logrus.Fields{
		"function":     "ComputeSignature",
		"text_length":  len(text),
		"unique_runes": len(sig),
	}).Debug("Computed character signature")

	return sig
}

// Equal reports whether two signatures describe the same character
// multiset.
func (s Signature) Equal(other Signature) bool {
	if len(s) != len(other) {
		return false
	}
	for ch, n := range s {
		if other[ch] != n {
			return false
		}
	}
	return true
}
