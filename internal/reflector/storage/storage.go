// Package storage defines persistence interfaces for the reflector: the
// per-session event retention log that backs catch-up, and snapshot blob
// storage. Implementations must preserve append order; the retention log
// is the durable form of the canonical stream.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/tandem.space/internal/wire"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// EventLog persists the ordered event stream of each session.
type EventLog interface {
	// AppendEvent appends one sequenced event to the session's stream.
	AppendEvent(ctx context.Context, sessionID string, evt wire.Event) error
	// ListEvents returns events with seq > afterSeq ordered by seq
	// ascending, at most limit entries.
	ListEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]wire.Event, error)
	// LatestSeq returns the highest stored sequence number for the
	// session, zero when the stream is empty.
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)
}
