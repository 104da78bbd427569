package repository

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID generates a random 128-bit hex identifier for projects and ledger
// entries.
func NewID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
