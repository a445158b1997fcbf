package engine

import (
	"container/heap"
	"encoding/json"
	"sort"

	"github.com/louisbranch/tandem.space/internal/platform/encoding"
	"github.com/louisbranch/tandem.space/internal/platform/errors"
)

// State is the serialized form of an engine at a sequence number. It is a
// pure function of the ordered stream: two participants serializing at the
// same sequence number must produce byte-identical canonical bytes.
type State struct {
	Seq           uint64                 `json:"seq"`
	VirtualTime   uint64                 `json:"vt"`
	Objects       map[string]ObjectState `json:"objects"`
	Destroyed     []string               `json:"destroyed,omitempty"`
	WellKnown     map[string]string      `json:"well_known,omitempty"`
	Futures       []FutureState          `json:"futures,omitempty"`
	NextHandle    uint64                 `json:"next_handle"`
	NextInsertion uint64                 `json:"next_insertion"`
	RNG           []byte                 `json:"rng"`
	Participants  []Participant          `json:"participants,omitempty"`
}

// ObjectState pairs an object's class with its serialized state.
type ObjectState struct {
	Class string          `json:"class"`
	State json.RawMessage `json:"state"`
}

// FutureState is a serialized future-queue entry, stored in firing order.
type FutureState struct {
	FireAt       uint64 `json:"fire_at"`
	InsertionSeq uint64 `json:"insertion_seq"`
	ObjectID     string `json:"object_id"`
	Method       string `json:"method"`
	Args         []byte `json:"args,omitempty"`
	Handle       uint64 `json:"handle"`
}

// SnapshotState captures the engine's full replicated state.
func (e *Engine) SnapshotState() (State, error) {
	state := State{
		Seq:           e.seq,
		VirtualTime:   e.virtualTime,
		Objects:       make(map[string]ObjectState, len(e.objects)),
		WellKnown:     make(map[string]string, len(e.wellKnown)),
		NextHandle:    uint64(e.nextHandle),
		NextInsertion: e.nextInsertion,
	}

	for id, inst := range e.objects {
		objState, err := inst.object.Snapshot()
		if err != nil {
			return State{}, errors.Wrap(errors.CodeSnapshotDecode, "snapshot object "+id, err)
		}
		state.Objects[id] = ObjectState{Class: inst.className, State: objState}
	}

	for id := range e.destroyed {
		state.Destroyed = append(state.Destroyed, id)
	}
	sort.Strings(state.Destroyed)

	for name, id := range e.wellKnown {
		state.WellKnown[name] = id
	}

	for _, entry := range e.futures.ordered() {
		if entry.canceled {
			continue
		}
		state.Futures = append(state.Futures, FutureState{
			FireAt:       entry.fireAt,
			InsertionSeq: entry.insertionSeq,
			ObjectID:     entry.objectID,
			Method:       entry.method,
			Args:         entry.args,
			Handle:       uint64(entry.handle),
		})
	}

	rngState, err := e.rng.MarshalState()
	if err != nil {
		return State{}, errors.Wrap(errors.CodeSnapshotDecode, "snapshot rng", err)
	}
	state.RNG = rngState

	for _, p := range e.participants {
		state.Participants = append(state.Participants, p)
	}
	sort.Slice(state.Participants, func(i, j int) bool {
		return state.Participants[i].ParticipantID < state.Participants[j].ParticipantID
	})

	return state, nil
}

// Snapshot serializes the engine to canonical bytes.
func (e *Engine) Snapshot() ([]byte, error) {
	state, err := e.SnapshotState()
	if err != nil {
		return nil, err
	}
	return encoding.CanonicalJSON(state)
}

// StateHash returns the content hash of the engine's canonical state,
// used for cross-participant divergence detection.
func (e *Engine) StateHash() (string, error) {
	data, err := e.Snapshot()
	if err != nil {
		return "", err
	}
	return encoding.Hash(data), nil
}

// Restore replaces the engine's state with a decoded snapshot. Objects
// are reconstructed through their registered class factories and then
// loaded from their serialized state.
func (e *Engine) Restore(data []byte) error {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.Wrap(errors.CodeSnapshotDecode, "decode snapshot", err)
	}
	return e.RestoreState(state)
}

// RestoreState replaces the engine's state with the given snapshot state.
func (e *Engine) RestoreState(state State) error {
	objects := make(map[string]*instance, len(state.Objects))
	ctx := &Context{engine: e}
	for id, objState := range state.Objects {
		cls, ok := e.registry.classes[objState.Class]
		if !ok {
			return errors.WithMetadata(errors.CodeClassNotRegistered, "snapshot references unregistered class",
				map[string]string{"class": objState.Class, "object_id": id})
		}
		obj, err := cls.factory(ctx, nil)
		if err != nil {
			return errors.Wrap(errors.CodeSnapshotDecode, "construct "+id, err)
		}
		if err := obj.Restore(objState.State); err != nil {
			return errors.Wrap(errors.CodeSnapshotDecode, "restore "+id, err)
		}
		objects[id] = &instance{className: objState.Class, object: obj}
	}

	rng := NewRandom(0)
	if err := rng.RestoreState(state.RNG); err != nil {
		return errors.Wrap(errors.CodeSnapshotDecode, "restore rng", err)
	}

	e.seq = state.Seq
	e.virtualTime = state.VirtualTime
	e.objects = objects
	e.destroyed = make(map[string]bool, len(state.Destroyed))
	for _, id := range state.Destroyed {
		e.destroyed[id] = true
	}
	e.wellKnown = make(map[string]string, len(state.WellKnown))
	for name, id := range state.WellKnown {
		e.wellKnown[name] = id
	}

	e.futures = nil
	e.handles = make(map[Handle]*futureEntry, len(state.Futures))
	for _, fs := range state.Futures {
		entry := &futureEntry{
			fireAt:       fs.FireAt,
			insertionSeq: fs.InsertionSeq,
			objectID:     fs.ObjectID,
			method:       fs.Method,
			args:         fs.Args,
			handle:       Handle(fs.Handle),
		}
		heap.Push(&e.futures, entry)
		e.handles[entry.handle] = entry
	}
	e.nextHandle = Handle(state.NextHandle)
	e.nextInsertion = state.NextInsertion
	e.rng = rng

	e.participants = make(map[string]Participant, len(state.Participants))
	for _, p := range state.Participants {
		e.participants[p.ParticipantID] = p
	}
	e.errorStreak = 0
	return nil
}
