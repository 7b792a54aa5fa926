package helpers

import "github.com/google/uuid"

// GenerateUUID returns a fresh random UUID string.
func GenerateUUID() string {
	return uuid.New().String()
}

// ShortID returns the first 8 hex characters of a random UUID, the id
// format used for transaction messages on the wire.
func ShortID() string {
	return GenerateUUID()[:8]
}
