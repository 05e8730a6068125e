package session

import (
	"crypto/rand"
	"fmt"
)

// Pairing codes are 6 characters drawn uniformly from [A-Z0-9] (~2.2e9
// combinations). Codes double as bearer tokens, so they come from
// crypto/rand rather than a seeded PRNG.
const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	// maxCodeAttempts bounds the collision-retry loop. Hitting it means the
	// live-session space is pathologically full.
	maxCodeAttempts = 10
)

func generateCode() (string, error) {
	// Bytes at or above the largest multiple of the alphabet size are
	// rejected so the modulo maps every symbol with equal probability.
	limit := 256 - 256%len(codeAlphabet)
	buf := make([]byte, 0, codeLength)
	var b [1]byte
	for len(buf) < codeLength {
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		if int(b[0]) >= limit {
			continue
		}
		buf = append(buf, codeAlphabet[int(b[0])%len(codeAlphabet)])
	}
	return string(buf), nil
}
