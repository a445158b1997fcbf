// Package reflector implements the sequencing side of a session: a
// single-writer loop per session that assigns sequence numbers, advances
// virtual time through heartbeats, tracks membership, and fans the ordered
// stream out to every subscriber.
package reflector

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/louisbranch/tandem.space/internal/membership"
	apperrors "github.com/louisbranch/tandem.space/internal/platform/errors"
	"github.com/louisbranch/tandem.space/internal/reflector/storage"
	"github.com/louisbranch/tandem.space/internal/snapshot"
	"github.com/louisbranch/tandem.space/internal/wire"
)

// backlogPageSize bounds how many events one catch-up query loads.
const backlogPageSize = 200

// hashRetention bounds how many sequence positions the divergence monitor
// remembers.
const hashRetention = 1024

// Sender delivers frames to one connected participant. Send must not
// block the session loop; implementations buffer writes and report an
// error when the connection is unusable.
type Sender interface {
	Send(frame wire.Frame) error
	Close()
}

// SessionConfig carries the immutable parameters of one session.
type SessionConfig struct {
	Name          string
	Seed          int64
	HeartbeatRate int
	Grace         time.Duration
	Log           storage.EventLog
	Snapshots     snapshot.Store
	Logger        *log.Logger
	Clock         func() time.Time
}

// Session owns the canonical ordered stream for one named session. All
// state is owned by the Run goroutine; public methods post commands onto
// the loop and wait for the result.
type Session struct {
	cfg  SessionConfig
	step uint64

	commands chan func()
	stopped  chan struct{}

	// Loop-owned state. Never touched outside Run.
	closing          bool
	seq              uint64
	virtualTime      uint64
	registrationHash string
	subscribers      map[string]Sender
	tracker          *membership.Tracker
	hashes           map[uint64]hashRecord
}

type hashRecord struct {
	hash     string
	reporter string
}

// NewSession creates a session loop. Run must be called before any other
// method is used.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Session{
		cfg:         cfg,
		step:        uint64(1000 / cfg.HeartbeatRate),
		commands:    make(chan func()),
		stopped:     make(chan struct{}),
		subscribers: make(map[string]Sender),
		tracker:     membership.NewTracker(cfg.Grace),
		hashes:      make(map[uint64]hashRecord),
	}
}

// Run drives the session until ctx is canceled or a fatal ordering error
// tears the session down. It must run on exactly one goroutine.
func (s *Session) Run(ctx context.Context) {
	defer close(s.stopped)

	// Resume counters from the retained stream so a restarted reflector
	// does not reuse sequence numbers.
	if latest, err := s.cfg.Log.LatestSeq(ctx, s.cfg.Name); err == nil && latest > 0 {
		s.seq = latest
		if events, err := s.cfg.Log.ListEvents(ctx, s.cfg.Name, latest-1, 1); err == nil && len(events) == 1 {
			s.virtualTime = events[0].VirtualTime
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.HeartbeatRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown("", "session shutting down")
			return
		case fn := <-s.commands:
			fn()
		case <-ticker.C:
			s.tick(ctx)
		}
		if s.closing {
			return
		}
	}
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// do posts fn onto the loop and waits for it to execute. It returns an
// error only when the loop has already stopped.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case s.commands <- wrapped:
	case <-s.stopped:
		return apperrors.New(apperrors.CodeTransportDisconnect, "session is closed")
	}
	select {
	case <-done:
	case <-s.stopped:
		return apperrors.New(apperrors.CodeTransportDisconnect, "session is closed")
	}
	return nil
}

// nextSeq assigns the next sequence number or reports exhaustion.
func (s *Session) nextSeq() (uint64, error) {
	if s.seq == math.MaxUint64 {
		return 0, apperrors.New(apperrors.CodeOrderingFailure, "sequence space exhausted")
	}
	s.seq++
	return s.seq, nil
}

// sequence appends a new event to the log and fans it out. A persistence
// or sequencing failure is fatal for the whole session: the stream cannot
// have gaps.
func (s *Session) sequence(ctx context.Context, kind wire.Kind, scope, name string, payload []byte, origin string) bool {
	seq, err := s.nextSeq()
	if err != nil {
		s.cfg.Logger.Printf("session %s: %v", s.cfg.Name, err)
		s.teardown(string(apperrors.CodeOrderingFailure), "sequence space exhausted")
		return false
	}
	evt := wire.Event{
		Seq:         seq,
		VirtualTime: s.virtualTime,
		Kind:        kind,
		Scope:       scope,
		Name:        name,
		Payload:     payload,
		Origin:      origin,
	}
	if err := s.cfg.Log.AppendEvent(ctx, s.cfg.Name, evt); err != nil {
		s.cfg.Logger.Printf("session %s: append event: %v", s.cfg.Name, err)
		s.teardown(string(apperrors.CodeOrderingFailure), "event persistence failed")
		return false
	}
	s.broadcast(evt)
	return true
}

// broadcast delivers one event to every subscriber, disconnecting any
// whose transport is no longer writable.
func (s *Session) broadcast(evt wire.Event) {
	frame, err := wire.Encode(wire.FrameEvent, evt)
	if err != nil {
		s.cfg.Logger.Printf("session %s: encode event: %v", s.cfg.Name, err)
		return
	}
	for id, sender := range s.subscribers {
		if err := sender.Send(frame); err != nil {
			s.cfg.Logger.Printf("session %s: drop slow subscriber %s: %v", s.cfg.Name, id, err)
			s.dropSubscriber(id)
		}
	}
}

// tick reaps memberships whose grace period expired, then advances
// virtual time by one heartbeat step.
func (s *Session) tick(ctx context.Context) {
	// Grace expiry runs before the freeze check so the last departures
	// still produce leave events once the session has emptied.
	for _, id := range s.tracker.Reap(s.cfg.Clock()) {
		payload, err := json.Marshal(wire.LeavePayload{ParticipantID: id})
		if err != nil {
			s.cfg.Logger.Printf("session %s: encode leave payload: %v", s.cfg.Name, err)
			continue
		}
		if !s.sequence(ctx, wire.KindMembership, wire.ScopeSystem, wire.NameParticipantLeft, payload, "") {
			return
		}
	}
	if len(s.subscribers) == 0 && s.tracker.ParticipantCount() == 0 {
		// An empty session keeps its clock frozen; virtual time resumes
		// when a participant joins.
		return
	}
	s.virtualTime += s.step
	s.sequence(ctx, wire.KindHeartbeat, "", "", nil, "")
}

// Join admits a participant, sending the welcome frame, the catch-up
// backlog, and the live marker through sender before live fan-out begins.
func (s *Session) Join(ctx context.Context, participantID string, req wire.JoinRequest, sender Sender) error {
	var joinErr error
	err := s.do(func() {
		joinErr = s.join(ctx, participantID, req, sender)
	})
	if err != nil {
		return err
	}
	return joinErr
}

func (s *Session) join(ctx context.Context, participantID string, req wire.JoinRequest, sender Sender) error {
	s.tracker.Begin(participantID)
	admitted := false
	defer func() {
		// A handshake that never reached the roster is removed silently; a
		// failure after the join announcement starts the grace period.
		if !admitted {
			s.tracker.Disconnect(participantID, s.cfg.Clock())
		}
	}()

	if s.registrationHash == "" {
		// The first participant pins the registration table for the
		// session's lifetime.
		s.registrationHash = req.RegistrationHash
	} else if s.registrationHash != req.RegistrationHash {
		return apperrors.WithMetadata(
			apperrors.CodeRegistrationMismatch,
			"registration hash does not match the session",
			map[string]string{"Want": s.registrationHash},
		)
	}

	if old, ok := s.subscribers[participantID]; ok {
		// A second transport for the same identity replaces the first.
		old.Close()
		delete(s.subscribers, participantID)
	}

	announce := s.tracker.Activate(participantID, req.Metadata, s.cfg.Clock())
	if announce {
		payload, err := json.Marshal(wire.JoinPayload{ParticipantID: participantID, Metadata: req.Metadata})
		if err != nil {
			return apperrors.Wrap(apperrors.CodeJoinRejected, "encode join payload", err)
		}
		if !s.sequence(ctx, wire.KindMembership, wire.ScopeSystem, wire.NameParticipantJoined, payload, "") {
			return apperrors.New(apperrors.CodeJoinRejected, "session tore down during join")
		}
	}

	resp := wire.JoinResponse{
		ParticipantID: participantID,
		SessionSeed:   s.cfg.Seed,
		HeartbeatRate: s.cfg.HeartbeatRate,
		ResumeSeq:     req.LastKnownSeq,
	}
	record, err := s.cfg.Snapshots.GetLatest(ctx, s.cfg.Name)
	switch {
	case err == nil:
		if record.Seq > req.LastKnownSeq {
			resp.SnapshotSeq = record.Seq
			resp.Snapshot = record.State
			resp.ResumeSeq = record.Seq
		}
	case err == snapshot.ErrNotFound:
		// No snapshot yet; the client replays the retained stream.
	default:
		return apperrors.Wrap(apperrors.CodeJoinRejected, "load snapshot", err)
	}

	welcome, err := wire.Encode(wire.FrameWelcome, resp)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeJoinRejected, "encode welcome", err)
	}
	if err := sender.Send(welcome); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportDisconnect, "send welcome", err)
	}

	after := resp.ResumeSeq
	for {
		events, err := s.cfg.Log.ListEvents(ctx, s.cfg.Name, after, backlogPageSize)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeCatchUpFailed, "list backlog", err)
		}
		for _, evt := range events {
			frame, err := wire.Encode(wire.FrameEvent, evt)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeCatchUpFailed, "encode backlog event", err)
			}
			if err := sender.Send(frame); err != nil {
				return apperrors.Wrap(apperrors.CodeTransportDisconnect, "send backlog", err)
			}
			after = evt.Seq
		}
		if len(events) < backlogPageSize {
			break
		}
	}

	if err := sender.Send(wire.Frame{Type: wire.FrameLive}); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportDisconnect, "send live marker", err)
	}
	s.subscribers[participantID] = sender
	admitted = true
	return nil
}

// Submit sequences one application event submitted by a participant.
func (s *Session) Submit(ctx context.Context, participantID string, sub wire.Submit) error {
	if err := wire.Validate(sub.Scope, sub.Name); err != nil {
		return err
	}
	var submitErr error
	err := s.do(func() {
		if _, ok := s.subscribers[participantID]; !ok {
			submitErr = apperrors.New(apperrors.CodeTransportDisconnect, "participant is not live")
			return
		}
		if !s.sequence(ctx, wire.KindApplication, sub.Scope, sub.Name, sub.Payload, participantID) {
			submitErr = apperrors.New(apperrors.CodeOrderingFailure, "session tore down")
		}
	})
	if err != nil {
		return err
	}
	return submitErr
}

// Disconnect records a transport drop; the participant enters the grace
// period and its leave event is emitted only if the grace elapses.
func (s *Session) Disconnect(participantID string) {
	_ = s.do(func() {
		s.dropSubscriber(participantID)
	})
}

func (s *Session) dropSubscriber(participantID string) {
	if sender, ok := s.subscribers[participantID]; ok {
		sender.Close()
		delete(s.subscribers, participantID)
	}
	s.tracker.Disconnect(participantID, s.cfg.Clock())
}

// UploadSnapshot stores a client-produced snapshot; stale uploads from
// lagging participants are ignored by the store.
func (s *Session) UploadSnapshot(ctx context.Context, participantID string, up wire.SnapshotUpload) error {
	var uploadErr error
	err := s.do(func() {
		if _, uploadErr = s.cfg.Snapshots.Put(ctx, s.cfg.Name, up.Seq, up.State); uploadErr != nil {
			return
		}
		for seq := range s.hashes {
			if seq <= up.Seq {
				delete(s.hashes, seq)
			}
		}
	})
	if err != nil {
		return err
	}
	return uploadErr
}

// ReportStateHash records a participant's state hash at a sequence
// position. The first report pins the expected hash; a disagreeing report
// marks the reporter divergent and pushes a resync frame at it.
func (s *Session) ReportStateHash(participantID string, report wire.StateHash) {
	_ = s.do(func() {
		if report.Seq > s.seq {
			s.cfg.Logger.Printf("session %s: hash report from %s ahead of stream (seq %d > %d)",
				s.cfg.Name, participantID, report.Seq, s.seq)
			return
		}
		if s.seq > hashRetention && report.Seq < s.seq-hashRetention {
			return
		}
		pinned, ok := s.hashes[report.Seq]
		if !ok {
			s.hashes[report.Seq] = hashRecord{hash: report.Hash, reporter: participantID}
			s.pruneHashes()
			return
		}
		if pinned.hash == report.Hash {
			return
		}
		s.cfg.Logger.Printf("session %s: divergence at seq %d: %s reported %s, %s reported %s",
			s.cfg.Name, report.Seq, pinned.reporter, pinned.hash, participantID, report.Hash)
		sender, ok := s.subscribers[participantID]
		if !ok {
			return
		}
		frame, err := wire.Encode(wire.FrameResync, wire.Resync{Reason: "state hash mismatch"})
		if err != nil {
			s.cfg.Logger.Printf("session %s: encode resync: %v", s.cfg.Name, err)
			return
		}
		if err := sender.Send(frame); err != nil {
			s.dropSubscriber(participantID)
		}
	})
}

func (s *Session) pruneHashes() {
	if s.seq <= hashRetention {
		return
	}
	floor := s.seq - hashRetention
	for seq := range s.hashes {
		if seq < floor {
			delete(s.hashes, seq)
		}
	}
}

// teardown sends a fatal error frame to every subscriber, closes their
// transports, and marks the loop for exit. Called from the loop only.
func (s *Session) teardown(code, message string) {
	s.closing = true
	if code != "" {
		frame, err := wire.Encode(wire.FrameError, wire.ErrorFrame{Code: code, Message: message, Fatal: true})
		if err == nil {
			for _, sender := range s.subscribers {
				_ = sender.Send(frame)
			}
		}
	}
	for id, sender := range s.subscribers {
		sender.Close()
		delete(s.subscribers, id)
	}
}
