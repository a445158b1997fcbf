// Package client implements the participant side of a session: it joins a
// reflector, feeds the ordered stream through a local deterministic engine,
// and bridges engine publishes into the view-side router.
package client

import (
	"context"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/louisbranch/tandem.space/internal/engine"
	apperrors "github.com/louisbranch/tandem.space/internal/platform/errors"
	"github.com/louisbranch/tandem.space/internal/router"
	"github.com/louisbranch/tandem.space/internal/snapshot"
	"github.com/louisbranch/tandem.space/internal/wire"
)

// writeWait bounds how long one websocket write may take.
const writeWait = 10 * time.Second

// Reconnect attempts after a transport drop back off from
// reconnectBaseDelay, doubling up to reconnectMaxDelay.
const (
	reconnectBaseDelay = 200 * time.Millisecond
	reconnectMaxDelay  = 5 * time.Second
)

// defaultHashEvery is how many applied events pass between state hash
// reports when the caller does not choose an interval.
const defaultHashEvery = 100

// Config configures a client session.
type Config struct {
	// URL is the reflector base endpoint, for example ws://localhost:8080.
	URL string
	// SessionName selects which session to join.
	SessionName string
	// CredentialToken authenticates the participant when the reflector
	// requires it.
	CredentialToken string
	// Registry holds the replicated classes and handlers. Its hash must
	// match every other participant in the session.
	Registry *engine.Registry
	// Metadata is attached to this participant's join announcement.
	Metadata []byte
	// SnapshotPolicy decides when this client uploads a snapshot. Nil
	// uses the default policy.
	SnapshotPolicy *snapshot.Policy
	// HashEvery is the number of applied events between state hash
	// reports. Zero uses the default.
	HashEvery uint64
	// RouterOptions are applied to the view-side router.
	RouterOptions []router.Option
	Logger        *log.Logger
	Dialer        *websocket.Dialer
}

// Session is one participant's connection to a reflector session. The
// deterministic engine is owned by the Run goroutine; views interact
// through the Router and the Frame method.
type Session struct {
	cfg    Config
	policy *snapshot.Policy
	logger *log.Logger
	dialer *websocket.Dialer
	router *router.Router

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu            sync.Mutex
	eng           *engine.Engine
	participantID string
	lastKnownSeq  uint64
	live          bool
	liveOnce      sync.Once
	liveCh        chan struct{}
}

// New creates a client session. Run must be called to connect.
func New(cfg Config) (*Session, error) {
	if cfg.SessionName == "" {
		return nil, apperrors.New(apperrors.CodeSessionNameEmpty, "session name is required")
	}
	if cfg.Registry == nil {
		return nil, apperrors.New(apperrors.CodeClassNotRegistered, "registry is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeJoinRejected, "parse reflector url", err)
	}
	s := &Session{
		cfg:    cfg,
		policy: cfg.SnapshotPolicy,
		logger: cfg.Logger,
		dialer: cfg.Dialer,
		liveCh: make(chan struct{}),
	}
	if s.policy == nil {
		policy, err := snapshot.PolicyFromEnv()
		if err != nil {
			return nil, err
		}
		s.policy = policy
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	opts := append([]router.Option{router.WithSubmitter(s)}, cfg.RouterOptions...)
	s.router = router.New(opts...)
	return s, nil
}

// Router returns the view-side router bound to this session.
func (s *Session) Router() *router.Router {
	return s.router
}

// Frame delivers buffered view events, honoring each subscription's
// delivery discipline. Call once per render frame.
func (s *Session) Frame() {
	s.router.Frame()
}

// Live returns a channel closed once the catch-up backlog has been
// applied and the session is consuming the live stream.
func (s *Session) Live() <-chan struct{} {
	return s.liveCh
}

// ParticipantID returns the identity assigned by the reflector, empty
// before the join handshake completes.
func (s *Session) ParticipantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID
}

// Seq returns the sequence number of the last applied event.
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKnownSeq
}

// Submit sends an application event to the reflector for sequencing. It
// implements the router's Submitter and returns before the event is
// ordered; the effect lands when the event comes back on the stream.
func (s *Session) Submit(scope, name string, payload []byte) error {
	if err := wire.Validate(scope, name); err != nil {
		return err
	}
	frame, err := wire.Encode(wire.FrameSubmit, wire.Submit{Scope: scope, Name: name, Payload: payload})
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// Run connects to the reflector and processes the ordered stream until
// ctx is canceled or the session fails. Transport drops are redialed
// with backoff: replicated state survives the reconnect, so a rejoin
// within the reflector's grace period is invisible to views beyond the
// Synchronizing indicator. A resync push from the reflector discards
// local state and rejoins from the latest snapshot.
func (s *Session) Run(ctx context.Context) error {
	backoff := reconnectBaseDelay
	for {
		err := s.connectAndProcess(ctx)
		wentLive := !s.Synchronizing()
		s.markSynchronizing()
		if wentLive {
			backoff = reconnectBaseDelay
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case apperrors.IsCode(err, apperrors.CodeDivergenceSuspected):
			s.logger.Printf("session %s: resync requested, rejoining", s.cfg.SessionName)
			s.reset()
			continue
		case apperrors.IsCode(err, apperrors.CodeTransportDisconnect):
			s.logger.Printf("session %s: transport dropped, reconnecting in %s: %v",
				s.cfg.SessionName, backoff, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < reconnectMaxDelay {
				backoff *= 2
				if backoff > reconnectMaxDelay {
					backoff = reconnectMaxDelay
				}
			}
			continue
		default:
			return err
		}
	}
}

// Synchronizing reports whether the session is dialing or replaying
// catch-up rather than consuming the live stream. Views may surface it
// as an indicator; replicated state is preserved while it is true.
func (s *Session) Synchronizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.live
}

// reset discards local replicated state so the next join starts from the
// reflector's snapshot.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eng = nil
	s.lastKnownSeq = 0
}

func (s *Session) connectAndProcess(ctx context.Context) error {
	hash, err := s.cfg.Registry.Hash()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRegistrationMismatch, "hash registration table", err)
	}

	endpoint := s.cfg.URL + "/session/" + url.PathEscape(s.cfg.SessionName)
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransportDisconnect, "dial reflector", err)
	}
	defer conn.Close()
	s.setConn(conn)
	s.markSynchronizing()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	s.mu.Lock()
	lastKnown := s.lastKnownSeq
	s.mu.Unlock()
	join, err := wire.Encode(wire.FrameJoin, wire.JoinRequest{
		SessionName:      s.cfg.SessionName,
		CredentialToken:  s.cfg.CredentialToken,
		LastKnownSeq:     lastKnown,
		RegistrationHash: hash,
		Metadata:         s.cfg.Metadata,
	})
	if err != nil {
		return err
	}
	if err := s.writeFrame(join); err != nil {
		return err
	}

	if err := s.handleWelcome(conn); err != nil {
		return err
	}
	return s.processStream(conn)
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
}

// handleWelcome builds or resumes the local engine from the welcome
// frame's seed and snapshot.
func (s *Session) handleWelcome(conn *websocket.Conn) error {
	var frame wire.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportDisconnect, "read welcome", err)
	}
	if frame.Type == wire.FrameError {
		return decodeErrorFrame(frame)
	}
	if frame.Type != wire.FrameWelcome {
		return apperrors.New(apperrors.CodeJoinRejected, "expected welcome frame")
	}
	var resp wire.JoinResponse
	if err := wire.Decode(frame, &resp); err != nil {
		return apperrors.Wrap(apperrors.CodeJoinRejected, "decode welcome", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.participantID = resp.ParticipantID
	if s.eng == nil || len(resp.Snapshot) > 0 {
		s.eng = engine.New(s.cfg.Registry, resp.SessionSeed,
			engine.WithPublisher(s.router),
			engine.WithLogger(s.logger),
		)
		if len(resp.Snapshot) > 0 {
			if err := s.eng.Restore(resp.Snapshot); err != nil {
				return apperrors.Wrap(apperrors.CodeSnapshotDecode, "restore snapshot", err)
			}
		}
		s.lastKnownSeq = s.eng.Seq()
	}
	return nil
}

// processStream applies ordered events until the transport drops or the
// reflector pushes a resync or fatal error.
func (s *Session) processStream(conn *websocket.Conn) error {
	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return apperrors.Wrap(apperrors.CodeTransportDisconnect, "read stream", err)
		}
		switch frame.Type {
		case wire.FrameEvent:
			var evt wire.Event
			if err := wire.Decode(frame, &evt); err != nil {
				return apperrors.Wrap(apperrors.CodeCatchUpFailed, "decode event", err)
			}
			if err := s.applyEvent(evt); err != nil {
				return err
			}
		case wire.FrameLive:
			s.markLive()
		case wire.FrameResync:
			var resync wire.Resync
			if err := wire.Decode(frame, &resync); err == nil {
				s.logger.Printf("session %s: resync: %s", s.cfg.SessionName, resync.Reason)
			}
			return apperrors.New(apperrors.CodeDivergenceSuspected, "reflector requested resync")
		case wire.FrameError:
			err := decodeErrorFrame(frame)
			if apperrors.Fatal(err) {
				return err
			}
			s.logger.Printf("session %s: reflector error: %v", s.cfg.SessionName, err)
		default:
			s.logger.Printf("session %s: unexpected frame %q", s.cfg.SessionName, frame.Type)
		}
	}
}

func (s *Session) markLive() {
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	s.liveOnce.Do(func() { close(s.liveCh) })
}

func (s *Session) markSynchronizing() {
	s.mu.Lock()
	s.live = false
	s.mu.Unlock()
}

func (s *Session) applyEvent(evt wire.Event) error {
	s.mu.Lock()
	eng := s.eng
	live := s.live
	lastKnown := s.lastKnownSeq
	s.mu.Unlock()
	if eng == nil {
		return apperrors.New(apperrors.CodeCatchUpFailed, "event before welcome")
	}

	// Events at or below the resume point were already applied, either
	// live before a reconnect or through the snapshot.
	if evt.Seq <= lastKnown {
		return nil
	}
	if err := eng.ApplyEvent(evt); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastKnownSeq = evt.Seq
	s.mu.Unlock()

	// Catch-up replay must not re-upload snapshots the session already
	// produced.
	if !live {
		return nil
	}
	if s.policy.ShouldSnapshot(evt.Seq, evt.VirtualTime) {
		if err := s.uploadSnapshot(eng, evt.Seq); err != nil {
			s.logger.Printf("session %s: upload snapshot: %v", s.cfg.SessionName, err)
		}
	}
	hashEvery := s.cfg.HashEvery
	if hashEvery == 0 {
		hashEvery = defaultHashEvery
	}
	if evt.Seq%hashEvery == 0 {
		if err := s.reportStateHash(eng, evt.Seq); err != nil {
			s.logger.Printf("session %s: report state hash: %v", s.cfg.SessionName, err)
		}
	}
	return nil
}

func (s *Session) uploadSnapshot(eng *engine.Engine, seq uint64) error {
	state, err := eng.Snapshot()
	if err != nil {
		return err
	}
	frame, err := wire.Encode(wire.FrameSnapshot, wire.SnapshotUpload{Seq: seq, State: state})
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

func (s *Session) reportStateHash(eng *engine.Engine, seq uint64) error {
	hash, err := eng.StateHash()
	if err != nil {
		return err
	}
	frame, err := wire.Encode(wire.FrameStateHash, wire.StateHash{Seq: seq, Hash: hash})
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

func (s *Session) writeFrame(frame wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return apperrors.New(apperrors.CodeTransportDisconnect, "session is not connected")
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportDisconnect, "set write deadline", err)
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		return apperrors.Wrap(apperrors.CodeTransportDisconnect, "write frame", err)
	}
	return nil
}

func decodeErrorFrame(frame wire.Frame) error {
	var ef wire.ErrorFrame
	if err := wire.Decode(frame, &ef); err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "decode error frame", err)
	}
	return apperrors.New(apperrors.Code(ef.Code), ef.Message)
}
