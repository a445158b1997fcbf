// Package sqlite provides the SQLite-backed event retention log and
// snapshot store used by the reflector service.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/tandem.space/internal/reflector/storage"
	"github.com/louisbranch/tandem.space/internal/snapshot"
	"github.com/louisbranch/tandem.space/internal/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	virtual_time INTEGER NOT NULL,
	kind TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	payload BLOB,
	origin TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL PRIMARY KEY,
	seq INTEGER NOT NULL,
	state BLOB NOT NULL
);
`

// Store provides a SQLite-backed event log and snapshot store.
type Store struct {
	sqlDB *sql.DB
}

var (
	_ storage.EventLog = (*Store)(nil)
	_ snapshot.Store   = (*Store)(nil)
)

// Open opens a SQLite store at the provided path and ensures the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
//
// Close is intentionally nil-safe so callers can defer it in all startup
// paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendEvent appends one sequenced event to the session's stream.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, evt wire.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, virtual_time, kind, scope, name, payload, origin)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(evt.Seq), int64(evt.VirtualTime), string(evt.Kind),
		evt.Scope, evt.Name, evt.Payload, evt.Origin,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns events with seq > afterSeq in sequence order.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]wire.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT seq, virtual_time, kind, scope, name, payload, origin
		 FROM events WHERE session_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		sessionID, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []wire.Event
	for rows.Next() {
		var (
			seq, virtualTime int64
			kind             string
			evt              wire.Event
		)
		if err := rows.Scan(&seq, &virtualTime, &kind, &evt.Scope, &evt.Name, &evt.Payload, &evt.Origin); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Seq = uint64(seq)
		evt.VirtualTime = uint64(virtualTime)
		evt.Kind = wire.Kind(kind)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LatestSeq returns the highest stored sequence number for the session.
func (s *Store) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Put stores a snapshot blob, keeping only the highest sequence per
// session.
func (s *Store) Put(ctx context.Context, sessionID string, seq uint64, state []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (session_id, seq, state) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET seq = excluded.seq, state = excluded.state
		 WHERE excluded.seq > snapshots.seq`,
		sessionID, int64(seq), state,
	)
	if err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	return fmt.Sprintf("sqlite://%s/%d", sessionID, seq), nil
}

// GetLatest returns the highest-sequence snapshot for the session.
func (s *Store) GetLatest(ctx context.Context, sessionID string) (snapshot.Record, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Record{}, err
	}
	record := snapshot.Record{SessionID: sessionID}
	var seq int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT seq, state FROM snapshots WHERE session_id = ?`, sessionID,
	).Scan(&seq, &record.State)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Record{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.Record{}, fmt.Errorf("get latest snapshot: %w", err)
	}
	record.Seq = uint64(seq)
	record.Locator = fmt.Sprintf("sqlite://%s/%d", sessionID, seq)
	return record, nil
}
