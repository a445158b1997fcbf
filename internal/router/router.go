// Package router bridges the deterministic engine to the local,
// non-deterministic view layer. Model-to-view publishes flow one way into
// local subscribers; view-to-model publishes are serialized and submitted
// to the reflector, and are never applied locally until they return
// through the ordered stream.
package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/louisbranch/tandem.space/internal/platform/errors"
	"github.com/louisbranch/tandem.space/internal/wire"
)

// Discipline selects how view-side handlers receive published events.
type Discipline string

const (
	// DisciplineQueued invokes the handler once per publish at the next
	// frame boundary, preserving order without coalescing.
	DisciplineQueued Discipline = "queued"
	// DisciplineLatest coalesces publishes between frames; the handler
	// runs once per frame with only the most recent payload.
	DisciplineLatest Discipline = "latest_per_frame"
	// DisciplineImmediate invokes the handler synchronously inside the
	// publish call.
	DisciplineImmediate Discipline = "immediate"
)

// IsValid reports whether the discipline is usable.
func (d Discipline) IsValid() bool {
	switch d {
	case DisciplineQueued, DisciplineLatest, DisciplineImmediate:
		return true
	}
	return false
}

// Handler receives a published event on the view side.
type Handler func(scope, name string, payload []byte)

// Submitter forwards view-originated events to the reflector.
type Submitter interface {
	Submit(scope, name string, payload []byte) error
}

// DropFunc is notified when a view submission is dropped by the rate
// limiter; drops are surfaced, never silent.
type DropFunc func(scope, name string, payload []byte)

type subKey struct {
	scope string
	name  string
}

// Subscription identifies a registered handler for unsubscription.
type Subscription struct {
	router *Router
	key    subKey
	seq    uint64

	discipline Discipline
	handler    Handler

	pendingLatest []byte
	hasLatest     bool
}

// Unsubscribe removes the handler. Pending deliveries for the handler
// are discarded.
func (s *Subscription) Unsubscribe() {
	s.router.unsubscribe(s)
}

type queuedDelivery struct {
	sub     *Subscription
	payload []byte
}

// Router is the dual-mode pub/sub bridge. Publish and Frame may be called
// from different goroutines; handler invocations happen on the calling
// goroutine (Publish for immediate, Frame for queued and latest).
type Router struct {
	mu      sync.Mutex
	subs    map[subKey][]*Subscription
	nextSeq uint64

	queue []queuedDelivery

	submitter Submitter
	limiter   *rate.Limiter
	onDrop    DropFunc
	now       func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithSubmitter attaches the view-to-model submission path.
func WithSubmitter(s Submitter) Option {
	return func(r *Router) { r.submitter = s }
}

// WithRateLimit caps view submissions at eventsPerSecond with the same
// burst. Zero disables limiting.
func WithRateLimit(eventsPerSecond int) Option {
	return func(r *Router) {
		if eventsPerSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), eventsPerSecond)
		}
	}
}

// WithDropFunc registers the dropped-submission signal.
func WithDropFunc(fn DropFunc) Option {
	return func(r *Router) { r.onDrop = fn }
}

// WithClock overrides the limiter clock. Tests use a fixed clock to make
// rate-limit outcomes exact.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router.
func New(opts ...Option) *Router {
	r := &Router{
		subs: make(map[subKey][]*Subscription),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a handler for (scope, name) under a delivery
// discipline.
func (r *Router) Subscribe(scope, name string, discipline Discipline, handler Handler) (*Subscription, error) {
	if err := wire.Validate(scope, name); err != nil {
		return nil, err
	}
	if !discipline.IsValid() {
		return nil, errors.WithMetadata(errors.CodeUnknownDiscipline, "unknown delivery discipline",
			map[string]string{"discipline": string(discipline)})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey{scope: scope, name: name}
	r.nextSeq++
	sub := &Subscription{
		router:     r,
		key:        key,
		seq:        r.nextSeq,
		discipline: discipline,
		handler:    handler,
	}
	r.subs[key] = append(r.subs[key], sub)
	return sub, nil
}

func (r *Router) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[sub.key]
	for i, candidate := range subs {
		if candidate == sub {
			r.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.key]) == 0 {
		delete(r.subs, sub.key)
	}

	remaining := r.queue[:0]
	for _, delivery := range r.queue {
		if delivery.sub != sub {
			remaining = append(remaining, delivery)
		}
	}
	r.queue = remaining
}

// Publish delivers an event to view subscribers of (scope, name).
// Immediate handlers run before Publish returns; queued and coalesced
// deliveries wait for the next Frame call.
func (r *Router) Publish(scope, name string, payload []byte) {
	r.mu.Lock()
	var immediates []Handler
	for _, sub := range r.subs[subKey{scope: scope, name: name}] {
		switch sub.discipline {
		case DisciplineImmediate:
			immediates = append(immediates, sub.handler)
		case DisciplineQueued:
			r.queue = append(r.queue, queuedDelivery{sub: sub, payload: payload})
		case DisciplineLatest:
			sub.pendingLatest = payload
			sub.hasLatest = true
		}
	}
	r.mu.Unlock()

	for _, handler := range immediates {
		handler(scope, name, payload)
	}
}

// Frame marks a local frame boundary: queued deliveries run in publish
// order, then each coalesced subscription runs once with its most recent
// payload. The view's render loop drives this.
func (r *Router) Frame() {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil

	var coalesced []*Subscription
	var payloads [][]byte
	for _, subs := range r.subs {
		for _, sub := range subs {
			if sub.discipline == DisciplineLatest && sub.hasLatest {
				coalesced = append(coalesced, sub)
				payloads = append(payloads, sub.pendingLatest)
				sub.pendingLatest = nil
				sub.hasLatest = false
			}
		}
	}
	r.mu.Unlock()

	for _, delivery := range queue {
		delivery.sub.handler(delivery.sub.key.scope, delivery.sub.key.name, delivery.payload)
	}
	// Subscription order keeps coalesced delivery deterministic for the
	// local view even though map iteration is not.
	for i := 1; i < len(coalesced); i++ {
		for j := i; j > 0 && coalesced[j-1].seq > coalesced[j].seq; j-- {
			coalesced[j-1], coalesced[j] = coalesced[j], coalesced[j-1]
			payloads[j-1], payloads[j] = payloads[j], payloads[j-1]
		}
	}
	for i, sub := range coalesced {
		sub.handler(sub.key.scope, sub.key.name, payloads[i])
	}
}

// Submit serializes a view-originated event toward the reflector. The
// event is not applied locally; it takes effect only when it returns
// through the ordered stream. Submissions beyond the rate limit are
// dropped with a signal to the originating view.
func (r *Router) Submit(scope, name string, payload []byte) error {
	if err := wire.Validate(scope, name); err != nil {
		return err
	}
	if r.submitter == nil {
		return errors.New(errors.CodeTransportDisconnect, "no submitter attached")
	}
	if r.limiter != nil && !r.limiter.AllowN(r.now(), 1) {
		if r.onDrop != nil {
			r.onDrop(scope, name, payload)
		}
		return errors.WithMetadata(errors.CodeRateLimitExceeded, "submission dropped by rate limit",
			map[string]string{"scope": scope, "name": name})
	}
	return r.submitter.Submit(scope, name, payload)
}
