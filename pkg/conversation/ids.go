package conversation

import "github.com/google/uuid"

// ID prefixes by message origin.
const (
	transcriptIDPrefix = "transcript-"
	dataIDPrefix       = "msg-"
	localIDPrefix      = "local-"
	systemIDPrefix     = "system-"
)

// IDGenerator produces unique opaque tokens for new messages.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates random UUIDv4 tokens.
type UUIDGenerator struct{}

// NewID returns a new random UUID string.
func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

// DeriveFinalID returns the id an entry takes when finalized in place.
func DeriveFinalID(id, suffix string) string {
	return id + suffix
}
