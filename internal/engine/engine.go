// Package engine implements the deterministic execution engine: a
// single-threaded state machine that applies the canonical ordered event
// stream to a registry of replicated objects. Given the same stream and
// registration table, every participant's engine produces byte-identical
// state.
//
// The engine never reads wall-clock time or local entropy. The only time
// visible to replicated code is the stream's virtual time and the only
// randomness is the synchronized session RNG.
package engine

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"log"

	"github.com/louisbranch/tandem.space/internal/platform/errors"
	"github.com/louisbranch/tandem.space/internal/wire"
)

// errorStreakThreshold is the number of consecutive events with handler
// errors after which the engine surfaces a recoverable-divergence warning.
const errorStreakThreshold = 10

type instance struct {
	className string
	object    Object
}

// Engine applies ordered events to replicated state. It is not safe for
// concurrent use: callers must apply events from a single goroutine, which
// is what makes cross-participant determinism tractable.
type Engine struct {
	registry  *Registry
	publisher Publisher
	logger    *log.Logger

	objects      map[string]*instance
	destroyed    map[string]bool
	wellKnown    map[string]string
	participants map[string]Participant

	futures       futureQueue
	handles       map[Handle]*futureEntry
	nextHandle    Handle
	nextInsertion uint64

	rng *Random

	seq             uint64
	virtualTime     uint64
	creationOrdinal uint64

	errorStreak int
	onWarning   func(error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher attaches the model-to-view publish sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger overrides the engine's local error logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithWarningFunc registers a callback for recoverable-divergence
// warnings raised after persistent per-event handler errors.
func WithWarningFunc(fn func(error)) Option {
	return func(e *Engine) { e.onWarning = fn }
}

// New creates an engine over a registration table, seeded with the
// session seed from the join response.
func New(registry *Registry, sessionSeed int64, opts ...Option) *Engine {
	e := &Engine{
		registry:     registry,
		logger:       log.Default(),
		objects:      make(map[string]*instance),
		destroyed:    make(map[string]bool),
		wellKnown:    make(map[string]string),
		participants: make(map[string]Participant),
		handles:      make(map[Handle]*futureEntry),
		rng:          NewRandom(sessionSeed),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seq returns the sequence number of the last applied event.
func (e *Engine) Seq() uint64 { return e.seq }

// VirtualTime returns the current virtual time in milliseconds.
func (e *Engine) VirtualTime() uint64 { return e.virtualTime }

// ParticipantCount returns the current roster size.
func (e *Engine) ParticipantCount() int { return len(e.participants) }

// ApplyEvent is the sole mutation entry point. It drains due future
// entries, then dispatches the event. Events must arrive in strictly
// increasing sequence order with monotonically non-decreasing virtual
// time; anything else is an ordering failure.
func (e *Engine) ApplyEvent(evt wire.Event) error {
	if !evt.Kind.IsValid() {
		return errors.WithMetadata(errors.CodeOrderingFailure, "unknown event kind",
			map[string]string{"kind": string(evt.Kind)})
	}
	if evt.Seq <= e.seq {
		return errors.WithMetadata(errors.CodeOrderingFailure, "sequence number regressed",
			map[string]string{
				"seq":      fmt.Sprintf("%d", evt.Seq),
				"last_seq": fmt.Sprintf("%d", e.seq),
			})
	}
	if evt.VirtualTime < e.virtualTime {
		return errors.WithMetadata(errors.CodeOrderingFailure, "virtual time regressed",
			map[string]string{
				"vt":      fmt.Sprintf("%d", evt.VirtualTime),
				"last_vt": fmt.Sprintf("%d", e.virtualTime),
			})
	}

	e.seq = evt.Seq
	e.virtualTime = evt.VirtualTime
	e.creationOrdinal = 0

	ctx := &Context{engine: e}
	eventErrored := false

	// Entries scheduled while draining belong to the next batch.
	barrier := e.nextInsertion
	for {
		next := e.futures.peek()
		if next == nil || next.fireAt > e.virtualTime || next.insertionSeq >= barrier {
			break
		}
		entry := heap.Pop(&e.futures).(*futureEntry)
		delete(e.handles, entry.handle)
		if entry.canceled {
			continue
		}
		if err := e.invokeFuture(ctx, entry); err != nil {
			eventErrored = true
			e.logger.Printf("engine: future %s.%s at vt=%d: %v", entry.objectID, entry.method, e.virtualTime, err)
		}
	}

	if err := e.dispatch(ctx, evt); err != nil {
		eventErrored = true
		e.logger.Printf("engine: event seq=%d %s/%s: %v", evt.Seq, evt.Scope, evt.Name, err)
	}

	if eventErrored {
		e.errorStreak++
		if e.errorStreak == errorStreakThreshold && e.onWarning != nil {
			e.onWarning(errors.WithMetadata(errors.CodeDivergenceSuspected,
				"persistent handler errors; local state may have diverged",
				map[string]string{"seq": fmt.Sprintf("%d", evt.Seq)}))
		}
	} else {
		e.errorStreak = 0
	}
	return nil
}

func (e *Engine) dispatch(ctx *Context, evt wire.Event) error {
	switch evt.Kind {
	case wire.KindHeartbeat:
		return nil
	case wire.KindMembership:
		if err := e.applyMembership(evt); err != nil {
			return err
		}
	case wire.KindApplication:
		// fallthrough to handler lookup below
	}

	handler, ok := e.registry.handler(evt.Scope, evt.Name)
	if !ok {
		// Unhandled application events are ignored; membership events
		// already updated the roster above.
		return nil
	}
	return e.invokeHandler(ctx, handler, evt)
}

func (e *Engine) applyMembership(evt wire.Event) error {
	switch evt.Name {
	case wire.NameParticipantJoined:
		var payload wire.JoinPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return fmt.Errorf("decode join payload: %w", err)
		}
		e.participants[payload.ParticipantID] = Participant{
			ParticipantID: payload.ParticipantID,
			JoinedAtSeq:   evt.Seq,
			Metadata:      payload.Metadata,
		}
	case wire.NameParticipantLeft:
		var payload wire.LeavePayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return fmt.Errorf("decode leave payload: %w", err)
		}
		delete(e.participants, payload.ParticipantID)
	default:
		return fmt.Errorf("unknown membership event %q", evt.Name)
	}
	return nil
}

// invokeHandler runs an application callback, converting panics into
// per-event errors so one faulty handler cannot halt the shared timeline.
// A panic abandons the handler's remaining side effects.
func (e *Engine) invokeHandler(ctx *Context, handler Handler, evt wire.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithMetadata(errors.CodeHandlerPanic, fmt.Sprintf("handler panic: %v", r),
				map[string]string{"scope": evt.Scope, "name": evt.Name})
		}
	}()
	return handler(ctx, evt)
}

func (e *Engine) invokeFuture(ctx *Context, entry *futureEntry) (err error) {
	inst, ok := e.objects[entry.objectID]
	if !ok {
		// Target destroyed after scheduling; the entry lapses.
		return nil
	}
	method, ok := e.registry.classes[inst.className].methods[entry.method]
	if !ok {
		return errors.WithMetadata(errors.CodeMethodNotFound, "future targets unknown method",
			map[string]string{"class": inst.className, "method": entry.method})
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithMetadata(errors.CodeHandlerPanic, fmt.Sprintf("method panic: %v", r),
				map[string]string{"object_id": entry.objectID, "method": entry.method})
		}
	}()
	return method(ctx, inst.object, entry.args)
}

func (e *Engine) createObject(ctx *Context, className string, args []byte) (string, error) {
	cls, ok := e.registry.classes[className]
	if !ok {
		return "", errors.WithMetadata(errors.CodeClassNotRegistered, "class is not registered",
			map[string]string{"class": className})
	}

	objectID := fmt.Sprintf("o%d-%d", e.seq, e.creationOrdinal)
	e.creationOrdinal++
	if e.destroyed[objectID] {
		return "", errors.WithMetadata(errors.CodeObjectIDReused, "object id was already destroyed",
			map[string]string{"object_id": objectID})
	}
	if _, exists := e.objects[objectID]; exists {
		return "", errors.WithMetadata(errors.CodeObjectIDReused, "object id already in use",
			map[string]string{"object_id": objectID})
	}

	obj, err := cls.factory(ctx, args)
	if err != nil {
		return "", fmt.Errorf("construct %s: %w", className, err)
	}
	e.objects[objectID] = &instance{className: className, object: obj}
	return objectID, nil
}

func (e *Engine) destroyObject(objectID string) error {
	if _, ok := e.objects[objectID]; !ok {
		return errors.WithMetadata(errors.CodeObjectNotFound, "object does not exist",
			map[string]string{"object_id": objectID})
	}
	delete(e.objects, objectID)
	e.destroyed[objectID] = true
	for name, id := range e.wellKnown {
		if id == objectID {
			delete(e.wellKnown, name)
		}
	}
	return nil
}

func (e *Engine) schedule(delay uint64, targetObjectID, method string, args []byte) (Handle, error) {
	if _, ok := e.objects[targetObjectID]; !ok {
		return 0, errors.WithMetadata(errors.CodeObjectNotFound, "schedule target does not exist",
			map[string]string{"object_id": targetObjectID})
	}
	e.nextHandle++
	entry := &futureEntry{
		fireAt:       e.virtualTime + delay,
		insertionSeq: e.nextInsertion,
		objectID:     targetObjectID,
		method:       method,
		args:         args,
		handle:       e.nextHandle,
	}
	e.nextInsertion++
	heap.Push(&e.futures, entry)
	e.handles[entry.handle] = entry
	return entry.handle, nil
}

func (e *Engine) cancel(handle Handle) bool {
	entry, ok := e.handles[handle]
	if !ok || entry.canceled {
		return false
	}
	entry.canceled = true
	return true
}
