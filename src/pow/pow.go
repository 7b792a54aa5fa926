// Package pow implements the proof of work used by the mining game: find a
// nonce such that sha256("<nonce>:<message>") starts with a given number of
// zero hex digits.
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Hash returns the hex-encoded SHA-256 digest of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether hashed meets the difficulty, i.e. its first
// difficulty characters are '0'.
func Verify(hashed string, difficulty int) bool {
	if difficulty < 0 || difficulty > len(hashed) {
		return false
	}
	return hashed[:difficulty] == strings.Repeat("0", difficulty)
}

// Validate hashes "<nonce>:<message>" and checks it against the difficulty.
// It returns the hash and true when the nonce is a valid proof.
func Validate(nonce uint64, message string, difficulty int) (string, bool) {
	hashed := Hash(strconv.FormatUint(nonce, 10) + ":" + message)
	if Verify(hashed, difficulty) {
		return hashed, true
	}
	return "", false
}

// Mine scans nonces upward from beginNonce until one satisfies the
// difficulty, returning the nonce and its hash. Cancellation is checked
// every few thousand attempts.
func Mine(ctx context.Context, message string, difficulty int, beginNonce uint64) (uint64, string, error) {
	for nonce := beginNonce; ; nonce++ {
		if nonce%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, "", err
			}
		}
		if hashed, ok := Validate(nonce, message, difficulty); ok {
			return nonce, hashed, nil
		}
	}
}
