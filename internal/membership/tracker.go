// Package membership tracks the session roster on the reflector side.
// Membership changes become ordered events, so every participant's engine
// observes joins and leaves at the same point in the stream; the tracker
// itself only decides when those events are emitted.
package membership

import (
	"sort"
	"time"
)

// State is a participant's connection state.
type State string

const (
	// StateConnecting means the transport is open but the join handshake
	// has not completed.
	StateConnecting State = "connecting"
	// StateActive means the participant is part of the session roster.
	StateActive State = "active"
	// StateDisconnected means the transport dropped and the grace-period
	// timer is running.
	StateDisconnected State = "disconnected"
	// StateRemoved means the participant left the roster.
	StateRemoved State = "removed"
)

type record struct {
	participantID  string
	state          State
	metadata       []byte
	disconnectedAt time.Time
}

// Tracker maintains participant connection states and the grace-period
// window that lets transient disconnects reconnect without a membership
// change. It is driven by a single session goroutine and is not safe for
// concurrent use.
type Tracker struct {
	grace   time.Duration
	records map[string]*record
}

// NewTracker creates a tracker with the given rejoin grace period.
func NewTracker(grace time.Duration) *Tracker {
	return &Tracker{
		grace:   grace,
		records: make(map[string]*record),
	}
}

// Begin marks a participant as connecting while the join handshake runs.
func (t *Tracker) Begin(participantID string) {
	if r, ok := t.records[participantID]; ok && r.state == StateDisconnected {
		// Keep the disconnect timestamp until activation decides whether
		// this is a rejoin.
		return
	}
	t.records[participantID] = &record{participantID: participantID, state: StateConnecting}
}

// Activate moves a participant to Active. It returns true when a join
// membership event must be emitted; a reconnect within the grace period
// collapses to a no-op from the ordered stream's perspective.
func (t *Tracker) Activate(participantID string, metadata []byte, now time.Time) (announce bool) {
	r, ok := t.records[participantID]
	if ok && r.state == StateDisconnected && now.Sub(r.disconnectedAt) <= t.grace {
		r.state = StateActive
		r.disconnectedAt = time.Time{}
		return false
	}
	t.records[participantID] = &record{
		participantID: participantID,
		state:         StateActive,
		metadata:      metadata,
	}
	return true
}

// Disconnect records a transport drop. Connecting participants are
// removed silently; active participants enter the grace period.
func (t *Tracker) Disconnect(participantID string, now time.Time) {
	r, ok := t.records[participantID]
	if !ok {
		return
	}
	switch r.state {
	case StateConnecting:
		delete(t.records, participantID)
	case StateActive:
		r.state = StateDisconnected
		r.disconnectedAt = now
	}
}

// Reap removes participants whose grace period elapsed and returns their
// identifiers; the caller emits a leave event for each.
func (t *Tracker) Reap(now time.Time) []string {
	var expired []string
	for id, r := range t.records {
		if r.state == StateDisconnected && now.Sub(r.disconnectedAt) > t.grace {
			r.state = StateRemoved
			delete(t.records, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// StateOf returns the participant's current state.
func (t *Tracker) StateOf(participantID string) State {
	r, ok := t.records[participantID]
	if !ok {
		return StateRemoved
	}
	return r.state
}

// ParticipantCount returns the number of active participants.
func (t *Tracker) ParticipantCount() int {
	count := 0
	for _, r := range t.records {
		if r.state == StateActive {
			count++
		}
	}
	return count
}

// ListParticipants returns active participant identifiers in order.
func (t *Tracker) ListParticipants() []string {
	var ids []string
	for id, r := range t.records {
		if r.state == StateActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
