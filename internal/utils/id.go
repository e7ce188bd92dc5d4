package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random 128-bit identifier in hex.
func NewID() string {
	const size = 16

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}

	// Fall back to a v4 uuid if crypto/rand is unavailable.
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
