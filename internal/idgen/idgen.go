// Package idgen mints opaque identifiers for audit records and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix followed by 24 hex characters, e.g.
// "aud_4f2a...". The prefix makes the ID's kind visible in logs.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex returns numBytes of randomness as lowercase hex.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}
