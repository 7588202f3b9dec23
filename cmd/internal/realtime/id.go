package realtime

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"megdan/cmd/internal/ids"
)

// NewSessionID returns a ULID identifying one connection.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewServerMsgID returns the ULID assigned to an accepted message. ULIDs from
// one process sort by creation, which keeps (sent_at, id) ordering stable.
func NewServerMsgID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a random id for server originated envelopes.
func NewEnvelopeID() string { return uuid.NewString() }

// NewInstanceID returns a short random id naming this backend process.
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
