package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenByteLength is the number of random bytes in a generated token
// (64 hex characters).
const tokenByteLength = 32

// GenerateSecureToken produces a random hex token. It is used for
// VERIFY_TOKEN, which pagehook chooses and the platform echoes back during
// the subscription handshake.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: crypto/rand failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
