package reflector

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/tandem.space/internal/platform/config"
	apperrors "github.com/louisbranch/tandem.space/internal/platform/errors"
	"github.com/louisbranch/tandem.space/internal/platform/id"
	"github.com/louisbranch/tandem.space/internal/platform/random"
	"github.com/louisbranch/tandem.space/internal/reflector/storage"
	"github.com/louisbranch/tandem.space/internal/snapshot"
	"github.com/louisbranch/tandem.space/internal/wire"
)

// joinDeadline bounds how long a connection may sit without completing
// the join handshake.
const joinDeadline = 30 * time.Second

// Config holds reflector service configuration loaded from the
// environment.
type Config struct {
	Port          int           `env:"TANDEM_PORT" envDefault:"8080"`
	HeartbeatRate int           `env:"TANDEM_HEARTBEAT_RATE" envDefault:"20"`
	GracePeriod   time.Duration `env:"TANDEM_GRACE_PERIOD" envDefault:"10s"`
	SessionSecret string        `env:"TANDEM_SESSION_SECRET"`
	DBPath        string        `env:"TANDEM_DB_PATH"`
}

// LoadConfig reads reflector configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration bounds. Flag overrides land after
// LoadConfig, so callers that accept flags must validate again.
func (c Config) Validate() error {
	if c.HeartbeatRate < 1 || c.HeartbeatRate > 60 {
		return apperrors.WithMetadata(
			apperrors.CodeHeartbeatRateInvalid,
			"heartbeat rate must be between 1 and 60 ticks per second",
			map[string]string{"Value": fmt.Sprintf("%d", c.HeartbeatRate)},
		)
	}
	return nil
}

// Server accepts websocket connections and routes them to per-session
// sequencing loops.
type Server struct {
	cfg       Config
	log       storage.EventLog
	snapshots snapshot.Store
	verifier  *CredentialVerifier
	logger    *log.Logger
	tracer    trace.Tracer
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer builds a reflector server around the given stores.
func NewServer(cfg Config, eventLog storage.EventLog, snapshots snapshot.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		log:       eventLog,
		snapshots: snapshots,
		verifier:  NewCredentialVerifier(cfg.SessionSecret, nil),
		logger:    logger,
		tracer:    otel.Tracer("tandem.space/reflector"),
		upgrader:  websocket.Upgrader{},
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
}

// Handler returns the HTTP routes served by the reflector.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /session/{name}", s.handleSession)
	return mux
}

// Close stops every session loop.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		<-sess.Done()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// session returns the live loop for name, creating and starting it on
// first use.
func (s *Server) session(name string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[name]; ok {
		select {
		case <-sess.Done():
			// A torn-down session stays dead; a fresh one takes its slot.
			delete(s.sessions, name)
		default:
			return sess, nil
		}
	}
	seed, err := random.NewSeed()
	if err != nil {
		return nil, fmt.Errorf("new session seed: %w", err)
	}
	sess := NewSession(SessionConfig{
		Name:          name,
		Seed:          seed,
		HeartbeatRate: s.cfg.HeartbeatRate,
		Grace:         s.cfg.GracePeriod,
		Log:           s.log,
		Snapshots:     s.snapshots,
		Logger:        s.logger,
	})
	go sess.Run(s.ctx)
	s.sessions[name] = sess
	return sess, nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade session %s: %v", name, err)
		return
	}
	sub := newSubscriber(conn)
	defer sub.Close()

	participantID, sess, err := s.handshake(r.Context(), name, conn, sub)
	if err != nil {
		s.sendError(sub, err)
		return
	}
	defer sess.Disconnect(participantID)

	s.readLoop(name, participantID, sess, conn, sub)
}

// handshake reads and validates the join frame, authenticates the
// participant, and admits it into the session.
func (s *Server) handshake(ctx context.Context, name string, conn *websocket.Conn, sub *subscriber) (string, *Session, error) {
	ctx, span := s.tracer.Start(ctx, "reflector.join",
		trace.WithAttributes(attribute.String("session.name", name)))
	defer span.End()

	_ = conn.SetReadDeadline(time.Now().Add(joinDeadline))
	var frame wire.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", nil, apperrors.Wrap(apperrors.CodeJoinRejected, "read join frame", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if frame.Type != wire.FrameJoin {
		return "", nil, apperrors.New(apperrors.CodeJoinRejected, "first frame must be join")
	}
	var req wire.JoinRequest
	if err := wire.Decode(frame, &req); err != nil {
		return "", nil, apperrors.Wrap(apperrors.CodeJoinRejected, "decode join request", err)
	}
	if req.SessionName == "" {
		req.SessionName = name
	}
	if req.SessionName != name {
		return "", nil, apperrors.New(apperrors.CodeJoinRejected, "join session name does not match the connection path")
	}
	if err := req.Validate(); err != nil {
		return "", nil, err
	}

	participantID, err := s.verifier.Verify(req.CredentialToken, name)
	if err != nil {
		return "", nil, err
	}
	if participantID == "" {
		participantID, err = id.NewID()
		if err != nil {
			return "", nil, apperrors.Wrap(apperrors.CodeJoinRejected, "assign participant id", err)
		}
	}
	span.SetAttributes(attribute.String("participant.id", participantID))

	sess, err := s.session(name)
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.CodeJoinRejected, "open session", err)
	}
	if err := sess.Join(ctx, participantID, req, sub); err != nil {
		return "", nil, err
	}
	return participantID, sess, nil
}

// readLoop processes frames from a live participant until the transport
// drops.
func (s *Server) readLoop(name, participantID string, sess *Session, conn *websocket.Conn, sub *subscriber) {
	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("session %s: read from %s: %v", name, participantID, err)
			}
			return
		}
		switch frame.Type {
		case wire.FrameSubmit:
			var submission wire.Submit
			if err := wire.Decode(frame, &submission); err != nil {
				s.sendError(sub, apperrors.Wrap(apperrors.CodeScopeEmpty, "decode submit", err))
				continue
			}
			ctx, span := s.tracer.Start(s.ctx, "reflector.submit",
				trace.WithAttributes(
					attribute.String("session.name", name),
					attribute.String("event.scope", submission.Scope),
					attribute.String("event.name", submission.Name),
				))
			err := sess.Submit(ctx, participantID, submission)
			span.End()
			if err != nil {
				s.sendError(sub, err)
				if apperrors.Fatal(err) {
					return
				}
			}
		case wire.FrameSnapshot:
			var up wire.SnapshotUpload
			if err := wire.Decode(frame, &up); err != nil {
				s.sendError(sub, apperrors.Wrap(apperrors.CodeSnapshotDecode, "decode snapshot", err))
				continue
			}
			if err := sess.UploadSnapshot(s.ctx, participantID, up); err != nil {
				s.logger.Printf("session %s: snapshot from %s: %v", name, participantID, err)
			}
		case wire.FrameStateHash:
			var report wire.StateHash
			if err := wire.Decode(frame, &report); err != nil {
				s.sendError(sub, apperrors.Wrap(apperrors.CodeSnapshotDecode, "decode state hash", err))
				continue
			}
			sess.ReportStateHash(participantID, report)
		default:
			s.sendError(sub, apperrors.New(apperrors.CodeJoinRejected, fmt.Sprintf("unexpected frame %q", frame.Type)))
		}
	}
}

// sendError surfaces a coded error to the client; fatal errors close the
// connection.
func (s *Server) sendError(sub *subscriber, err error) {
	fatal := apperrors.Fatal(err)
	frame, encErr := wire.Encode(wire.FrameError, wire.ErrorFrame{
		Code:    string(apperrors.GetCode(err)),
		Message: err.Error(),
		Fatal:   fatal,
	})
	if encErr == nil {
		_ = sub.Send(frame)
	}
	if fatal {
		sub.Close()
	}
}
