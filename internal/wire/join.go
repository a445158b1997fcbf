package wire

import (
	"strings"

	"github.com/louisbranch/tandem.space/internal/platform/errors"
)

// JoinRequest opens a session subscription. CredentialToken is a signed
// token naming the participant; RegistrationHash fingerprints the client's
// class and handler registration table so mismatched builds cannot join
// the same deterministic timeline.
type JoinRequest struct {
	SessionName      string `json:"session_name"`
	CredentialToken  string `json:"credential_token"`
	LastKnownSeq     uint64 `json:"last_known_seq,omitempty"`
	RegistrationHash string `json:"registration_hash"`
	Metadata         []byte `json:"metadata,omitempty"`
}

// JoinResponse carries everything a client needs to converge: the session
// RNG seed, the latest snapshot at or before the live stream start, and
// the sequence number the live stream resumes from.
type JoinResponse struct {
	ParticipantID string `json:"participant_id"`
	SessionSeed   int64  `json:"session_seed"`
	HeartbeatRate int    `json:"heartbeat_rate"`
	// SnapshotSeq is zero when no snapshot exists and the client replays
	// from the beginning of the retained stream.
	SnapshotSeq uint64 `json:"snapshot_seq,omitempty"`
	Snapshot    []byte `json:"snapshot,omitempty"`
	// ResumeSeq is the sequence number of the first event the reflector
	// will deliver after the snapshot.
	ResumeSeq uint64 `json:"resume_seq"`
}

// Validate checks a join request before authentication.
func (r JoinRequest) Validate() error {
	if strings.TrimSpace(r.SessionName) == "" {
		return errors.New(errors.CodeSessionNameEmpty, "session name is required")
	}
	if strings.TrimSpace(r.RegistrationHash) == "" {
		return errors.New(errors.CodeRegistrationMismatch, "registration hash is required")
	}
	return nil
}
