package stroom

import "github.com/google/uuid"

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for process and step row identifiers.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewToken generates an unguessable opaque token (UUIDv4, crypto/rand
// backed). Used for callback route tokens.
func NewToken() string {
	return uuid.NewString()
}
