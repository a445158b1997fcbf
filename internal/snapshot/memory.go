package snapshot

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process snapshot store used by tests and
// single-process sessions.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put stores state taken at seq, keeping only the highest sequence per
// session.
func (s *MemoryStore) Put(ctx context.Context, sessionID string, seq uint64, state []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[sessionID]; ok && existing.Seq >= seq {
		return existing.Locator, nil
	}
	locator := fmt.Sprintf("mem://%s/%d", sessionID, seq)
	stored := make([]byte, len(state))
	copy(stored, state)
	s.records[sessionID] = Record{SessionID: sessionID, Seq: seq, State: stored, Locator: locator}
	return locator, nil
}

// GetLatest returns the highest-sequence snapshot for the session.
func (s *MemoryStore) GetLatest(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}
