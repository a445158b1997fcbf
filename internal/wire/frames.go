package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a websocket frame between reflector and client.
type FrameType string

// Client-originated frames.
const (
	// FrameJoin opens a session; it must be the first client frame.
	FrameJoin FrameType = "join"
	// FrameSubmit submits an application event for sequencing.
	FrameSubmit FrameType = "submit"
	// FrameSnapshot uploads a snapshot taken at a sequence number.
	FrameSnapshot FrameType = "snapshot"
	// FrameStateHash reports the client's state hash at a sequence number.
	FrameStateHash FrameType = "state_hash"
)

// Reflector-originated frames.
const (
	// FrameWelcome acknowledges a join and carries catch-up material.
	FrameWelcome FrameType = "welcome"
	// FrameEvent delivers one ordered event.
	FrameEvent FrameType = "event"
	// FrameLive marks the end of the catch-up backlog.
	FrameLive FrameType = "live"
	// FrameResync instructs a divergent client to rejoin via snapshot.
	FrameResync FrameType = "resync"
	// FrameError reports a session error; fatal errors end the session.
	FrameError FrameType = "error"
)

// Frame is the envelope for every websocket message.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Submit asks the reflector to sequence one application event.
type Submit struct {
	Scope   string `json:"scope"`
	Name    string `json:"name"`
	Payload []byte `json:"payload,omitempty"`
}

// SnapshotUpload carries serialized replicated state taken at Seq.
type SnapshotUpload struct {
	Seq   uint64 `json:"seq"`
	State []byte `json:"state"`
}

// StateHash reports the content hash of replicated state at Seq.
type StateHash struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Resync tells a divergent client to discard local state and rejoin; the
// rejoin handshake delivers a fresh snapshot and backlog.
type Resync struct {
	Reason string `json:"reason"`
}

// ErrorFrame surfaces a coded error to the client.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Encode wraps a typed frame body into a Frame with the given type.
func Encode(frameType FrameType, body any) (Frame, error) {
	if body == nil {
		return Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return Frame{Type: frameType, Data: data}, nil
}

// Decode unpacks a frame body into target.
func Decode(frame Frame, target any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("decode %s frame: empty body", frame.Type)
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		return fmt.Errorf("decode %s frame: %w", frame.Type, err)
	}
	return nil
}
