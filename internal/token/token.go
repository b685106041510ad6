// Package token generates and compares opaque session tokens.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultLength is the token size handed out on connect and reconnect.
const DefaultLength = 32

// ErrInvalidLength is returned when a non-positive token length is requested.
var ErrInvalidLength = errors.New("token length must be positive")

// Generate returns n bytes of cryptographically secure random data.
func Generate(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("generate %d bytes: %w", n, ErrInvalidLength)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// Verify compares two tokens in constant time. A nil token never matches.
func Verify(expected, provided []byte) bool {
	if expected == nil || provided == nil {
		return false
	}
	// ConstantTimeCompare returns 0 immediately on length mismatch, which
	// leaks only the length.
	return subtle.ConstantTimeCompare(expected, provided) == 1
}

// Wipe overwrites the token with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SessionID returns a random non-zero session identifier.
func SessionID() (int64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to read random bytes: %w", err)
		}
		// Keep it positive so it survives JSON and SQL round trips unchanged.
		id := int64(binary.BigEndian.Uint64(buf[:]) >> 1)
		if id != 0 {
			return id, nil
		}
	}
}
