package storage

import (
	"context"
	"sync"

	"github.com/louisbranch/tandem.space/internal/wire"
)

// MemoryLog is an in-process event log used by tests and ephemeral
// sessions that do not need catch-up to survive a reflector restart.
type MemoryLog struct {
	mu     sync.Mutex
	events map[string][]wire.Event
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]wire.Event)}
}

// AppendEvent appends one sequenced event to the session's stream.
func (l *MemoryLog) AppendEvent(ctx context.Context, sessionID string, evt wire.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[sessionID] = append(l.events[sessionID], evt)
	return nil
}

// ListEvents returns events with seq > afterSeq in sequence order.
func (l *MemoryLog) ListEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]wire.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []wire.Event
	for _, evt := range l.events[sessionID] {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LatestSeq returns the highest stored sequence number for the session.
func (l *MemoryLog) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.events[sessionID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}
