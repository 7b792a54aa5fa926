// Package auth gates the broadcaster's privileged channel commands behind
// an operator secret, hashed with Argon2id.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// ErrNoSecret is returned when operator commands are used without a
// configured secret.
var ErrNoSecret = errors.New("no operator secret configured")

// Argon2id parameters.
const (
	hashTime    = 1
	hashMemory  = 64 * 1024 // KiB
	hashThreads = 4
	hashKeyLen  = 32
	saltLen     = 16
)

// Operator holds the hashed operator secret. The plaintext is dropped as
// soon as the hash is computed.
type Operator struct {
	hash    []byte
	salt    []byte
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// NewOperator hashes the secret with a random salt.
func NewOperator(secret string) (*Operator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	op := &Operator{
		salt:    salt,
		time:    hashTime,
		memory:  hashMemory,
		threads: hashThreads,
		keyLen:  hashKeyLen,
	}
	op.hash = argon2.IDKey([]byte(secret), salt, op.time, op.memory, op.threads, op.keyLen)
	return op, nil
}

// Verify checks a candidate secret against the stored hash.
func (o *Operator) Verify(candidate string) bool {
	hash := argon2.IDKey([]byte(candidate), o.salt, o.time, o.memory, o.threads, o.keyLen)
	return SlowEqual(hash, o.hash)
}

// SlowEqual is a constant-time comparison to prevent timing attacks.
func SlowEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	var result byte
	for i := 0; i < len(a); i++ {
		result |= a[i] ^ b[i]
	}

	return result == 0
}
