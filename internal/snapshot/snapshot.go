// Package snapshot manages serialized checkpoints of replicated state.
// Snapshots are derived, disposable artifacts: deleting them affects only
// cold-join latency, never correctness, because any participant can
// replay the retained ordered stream from an earlier point.
package snapshot

import (
	"context"
	"errors"

	"github.com/louisbranch/tandem.space/internal/platform/config"
)

// ErrNotFound indicates no snapshot exists for the session.
var ErrNotFound = errors.New("snapshot not found")

// Record is a stored snapshot with its stream position.
type Record struct {
	SessionID string
	Seq       uint64
	State     []byte
	Locator   string
}

// Store persists snapshot blobs. It is an external collaborator: any
// implementation satisfying latest-wins-by-sequence semantics is valid.
type Store interface {
	// Put stores state taken at seq and returns a locator.
	Put(ctx context.Context, sessionID string, seq uint64, state []byte) (string, error)
	// GetLatest returns the highest-sequence snapshot for the session,
	// or ErrNotFound.
	GetLatest(ctx context.Context, sessionID string) (Record, error)
}

// Policy decides when to take a snapshot. Either trigger fires the
// snapshot; cadence is a performance tuning choice, not a correctness
// requirement, provided catch-up equivalence holds.
type Policy struct {
	// EveryEvents snapshots after this many events. Zero disables the
	// event trigger.
	EveryEvents uint64
	// EveryVirtualMillis snapshots after this much virtual time. Zero
	// disables the time trigger.
	EveryVirtualMillis uint64

	lastSeq uint64
	lastVT  uint64
}

// DefaultPolicy snapshots every 500 events or 60s of virtual time.
func DefaultPolicy() *Policy {
	return &Policy{EveryEvents: 500, EveryVirtualMillis: 60_000}
}

type policyEnv struct {
	EveryEvents        uint64 `env:"TANDEM_SNAPSHOT_EVERY_EVENTS" envDefault:"500"`
	EveryVirtualMillis uint64 `env:"TANDEM_SNAPSHOT_EVERY_VIRTUAL_MS" envDefault:"60000"`
}

// PolicyFromEnv reads snapshot cadence from the environment, falling
// back to the defaults.
func PolicyFromEnv() (*Policy, error) {
	var raw policyEnv
	if err := config.ParseEnv(&raw); err != nil {
		return nil, err
	}
	return &Policy{EveryEvents: raw.EveryEvents, EveryVirtualMillis: raw.EveryVirtualMillis}, nil
}

// ShouldSnapshot reports whether a snapshot is due after processing the
// event at (seq, virtualTime), and advances the policy's position when it
// returns true.
func (p *Policy) ShouldSnapshot(seq, virtualTime uint64) bool {
	due := false
	if p.EveryEvents > 0 && seq >= p.lastSeq+p.EveryEvents {
		due = true
	}
	if p.EveryVirtualMillis > 0 && virtualTime >= p.lastVT+p.EveryVirtualMillis {
		due = true
	}
	if due {
		p.lastSeq = seq
		p.lastVT = virtualTime
	}
	return due
}
