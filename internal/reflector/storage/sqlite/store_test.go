package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/louisbranch/tandem.space/internal/snapshot"
	"github.com/louisbranch/tandem.space/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "reflector.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("Open(blank) error = nil, want error")
	}
}

func TestCloseNilSafe(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("Close() on nil store error = %v", err)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	events := []wire.Event{
		{Seq: 1, VirtualTime: 0, Kind: wire.KindHeartbeat},
		{Seq: 2, VirtualTime: 50, Kind: wire.KindApplication, Scope: "game", Name: "move", Payload: []byte(`{"x":1}`), Origin: "p1"},
		{Seq: 3, VirtualTime: 50, Kind: wire.KindMembership, Scope: wire.ScopeSystem, Name: wire.NameParticipantJoined, Payload: []byte(`{"participantId":"p2"}`)},
	}
	for _, evt := range events {
		if err := store.AppendEvent(ctx, "s1", evt); err != nil {
			t.Fatalf("AppendEvent(seq=%d) error = %v", evt.Seq, err)
		}
	}
	// Events for another session must not leak into s1's stream.
	if err := store.AppendEvent(ctx, "s2", wire.Event{Seq: 1, Kind: wire.KindHeartbeat}); err != nil {
		t.Fatalf("AppendEvent(s2) error = %v", err)
	}

	got, err := store.ListEvents(ctx, "s1", 1, 10)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListEvents() returned %d events, want 2", len(got))
	}
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("ListEvents() seqs = %d, %d, want 2, 3", got[0].Seq, got[1].Seq)
	}
	if got[0].Scope != "game" || got[0].Name != "move" || got[0].Origin != "p1" {
		t.Fatalf("event fields not preserved: %+v", got[0])
	}
	if string(got[0].Payload) != `{"x":1}` {
		t.Fatalf("payload = %s, want {\"x\":1}", got[0].Payload)
	}
}

func TestListEventsHonorsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		evt := wire.Event{Seq: seq, VirtualTime: seq * 100, Kind: wire.KindHeartbeat}
		if err := store.AppendEvent(ctx, "s1", evt); err != nil {
			t.Fatalf("AppendEvent(seq=%d) error = %v", seq, err)
		}
	}

	got, err := store.ListEvents(ctx, "s1", 0, 3)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListEvents(limit=3) returned %d events, want 3", len(got))
	}
	if got[2].Seq != 3 {
		t.Fatalf("last seq = %d, want 3", got[2].Seq)
	}
}

func TestAppendEventRejectsDuplicateSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	evt := wire.Event{Seq: 7, Kind: wire.KindHeartbeat}
	if err := store.AppendEvent(ctx, "s1", evt); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if err := store.AppendEvent(ctx, "s1", evt); err == nil {
		t.Fatal("AppendEvent(duplicate seq) error = nil, want error")
	}
}

func TestLatestSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seq, err := store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSeq() error = %v", err)
	}
	if seq != 0 {
		t.Fatalf("LatestSeq(empty) = %d, want 0", seq)
	}

	for _, s := range []uint64{1, 2, 9} {
		if err := store.AppendEvent(ctx, "s1", wire.Event{Seq: s, Kind: wire.KindHeartbeat}); err != nil {
			t.Fatalf("AppendEvent(seq=%d) error = %v", s, err)
		}
	}
	seq, err = store.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestSeq() error = %v", err)
	}
	if seq != 9 {
		t.Fatalf("LatestSeq() = %d, want 9", seq)
	}
}

func TestSnapshotLatestWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.GetLatest(ctx, "s1"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("GetLatest(empty) error = %v, want ErrNotFound", err)
	}

	if _, err := store.Put(ctx, "s1", 10, []byte(`{"seq":10}`)); err != nil {
		t.Fatalf("Put(seq=10) error = %v", err)
	}
	if _, err := store.Put(ctx, "s1", 40, []byte(`{"seq":40}`)); err != nil {
		t.Fatalf("Put(seq=40) error = %v", err)
	}
	// A stale upload from a lagging participant must not replace a newer
	// snapshot.
	if _, err := store.Put(ctx, "s1", 25, []byte(`{"seq":25}`)); err != nil {
		t.Fatalf("Put(seq=25) error = %v", err)
	}

	record, err := store.GetLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if record.Seq != 40 {
		t.Fatalf("GetLatest().Seq = %d, want 40", record.Seq)
	}
	if string(record.State) != `{"seq":40}` {
		t.Fatalf("GetLatest().State = %s, want {\"seq\":40}", record.State)
	}
}
