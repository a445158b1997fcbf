package engine

import (
	"sort"

	"github.com/louisbranch/tandem.space/internal/platform/errors"
)

// Object is a unit of replicated deterministic state. Objects are created
// only through class factories while processing ordered events, and must
// round-trip their state through Snapshot and Restore byte-identically.
type Object interface {
	// Snapshot serializes the object's replicated state.
	Snapshot() ([]byte, error)
	// Restore loads previously snapshotted state.
	Restore(state []byte) error
}

// Participant is a session member as seen by replicated code. The roster
// mutates only through membership events, so every engine observes the
// same membership at the same sequence number.
type Participant struct {
	ParticipantID string `json:"participant_id"`
	JoinedAtSeq   uint64 `json:"joined_at_seq"`
	Metadata      []byte `json:"metadata,omitempty"`
}

// Publisher receives model-to-view publishes. Published events never
// re-enter the ordered stream.
type Publisher interface {
	Publish(scope, name string, payload []byte)
}

// Context is passed to handlers and methods during event processing. It is
// the only channel through which replicated code may observe time,
// randomness, membership, or mutate the object graph.
type Context struct {
	engine *Engine
}

// VirtualTime returns the session's logical clock in milliseconds.
func (c *Context) VirtualTime() uint64 {
	return c.engine.virtualTime
}

// Seq returns the sequence number of the event being processed.
func (c *Context) Seq() uint64 {
	return c.engine.seq
}

// Random returns the synchronized random source.
func (c *Context) Random() *Random {
	return c.engine.rng
}

// Create instantiates an object of the named class. The identifier is
// derived from the current sequence number and a per-event creation
// ordinal, so all participants assign identical identifiers.
func (c *Context) Create(className string, args []byte) (string, error) {
	return c.engine.createObject(c, className, args)
}

// Destroy removes an object. Its identifier is tombstoned and never
// reused within the session lineage.
func (c *Context) Destroy(objectID string) error {
	return c.engine.destroyObject(objectID)
}

// Object looks up a live object by identifier.
func (c *Context) Object(objectID string) (Object, bool) {
	inst, ok := c.engine.objects[objectID]
	if !ok {
		return nil, false
	}
	return inst.object, true
}

// Schedule enqueues a future self-invocation of targetObjectID.method at
// the current virtual time plus delay milliseconds.
func (c *Context) Schedule(delay uint64, targetObjectID, method string, args []byte) (Handle, error) {
	return c.engine.schedule(delay, targetObjectID, method, args)
}

// Cancel prevents a pending future entry from firing. It is idempotent
// and returns false if the handle already fired or was canceled.
func (c *Context) Cancel(handle Handle) bool {
	return c.engine.cancel(handle)
}

// RegisterWellKnown binds a human-chosen name to an object identifier.
func (c *Context) RegisterWellKnown(name, objectID string) error {
	if _, ok := c.engine.objects[objectID]; !ok {
		return errors.WithMetadata(errors.CodeObjectNotFound, "well-known target does not exist",
			map[string]string{"object_id": objectID})
	}
	c.engine.wellKnown[name] = objectID
	return nil
}

// LookupWellKnown resolves a well-known name to an object identifier.
func (c *Context) LookupWellKnown(name string) (string, bool) {
	objectID, ok := c.engine.wellKnown[name]
	return objectID, ok
}

// Publish emits an event to local view subscribers.
func (c *Context) Publish(scope, name string, payload []byte) {
	if c.engine.publisher == nil {
		return
	}
	c.engine.publisher.Publish(scope, name, payload)
}

// ParticipantCount returns the current roster size.
func (c *Context) ParticipantCount() int {
	return len(c.engine.participants)
}

// Participants lists the roster ordered by participant identifier.
func (c *Context) Participants() []Participant {
	list := make([]Participant, 0, len(c.engine.participants))
	for _, p := range c.engine.participants {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ParticipantID < list[j].ParticipantID
	})
	return list
}
