// Package wire defines the event envelope and frames exchanged between
// the reflector and session participants. The envelope is append-only and
// broadcast identically to every subscriber; nothing in this package
// interprets application payloads.
package wire

import (
	"strings"

	"github.com/louisbranch/tandem.space/internal/platform/errors"
)

// Kind identifies the kind of an ordered event.
type Kind string

const (
	// KindHeartbeat advances virtual time with no payload.
	KindHeartbeat Kind = "heartbeat"
	// KindApplication carries an application event routed by (scope, name).
	KindApplication Kind = "application"
	// KindMembership records a participant joining or leaving the session.
	KindMembership Kind = "membership"
)

// Membership event names.
const (
	// NameParticipantJoined records a participant joining the session.
	NameParticipantJoined = "participant.joined"
	// NameParticipantLeft records a participant leaving the session.
	NameParticipantLeft = "participant.left"
)

// ScopeSystem is the scope reserved for membership and kernel events.
const ScopeSystem = "system"

// Event is one entry in the canonical ordered stream of a session.
//
// Seq is strictly increasing and unique per session. VirtualTime is
// monotonically non-decreasing across consecutive events and advances only
// through heartbeats.
type Event struct {
	// Seq is the total-order position assigned by the reflector.
	Seq uint64 `json:"seq"`
	// VirtualTime is the logical session clock in milliseconds.
	VirtualTime uint64 `json:"vt"`
	// Kind identifies heartbeat, application, or membership events.
	Kind Kind `json:"kind"`
	// Scope namespaces the event name.
	Scope string `json:"scope,omitempty"`
	// Name identifies the event within its scope.
	Name string `json:"name,omitempty"`
	// Payload holds opaque application data.
	Payload []byte `json:"payload,omitempty"`
	// Origin is the participant that submitted the event, empty for
	// reflector-generated events.
	Origin string `json:"origin,omitempty"`
}

// IsValid reports whether the event kind is usable.
func (k Kind) IsValid() bool {
	switch k {
	case KindHeartbeat, KindApplication, KindMembership:
		return true
	}
	return false
}

// JoinPayload is the payload of a participant.joined membership event.
type JoinPayload struct {
	ParticipantID string `json:"participant_id"`
	Metadata      []byte `json:"metadata,omitempty"`
}

// LeavePayload is the payload of a participant.left membership event.
type LeavePayload struct {
	ParticipantID string `json:"participant_id"`
}

// Validate checks an application event submission before sequencing.
func Validate(scope, name string) error {
	if strings.TrimSpace(scope) == "" {
		return errors.New(errors.CodeScopeEmpty, "event scope is required")
	}
	if strings.TrimSpace(name) == "" {
		return errors.New(errors.CodeEventNameEmpty, "event name is required")
	}
	return nil
}
