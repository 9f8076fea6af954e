package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/voxchat/voxd/internal/event"
)

// Frame is the wire-format structure for every WebSocket message, both
// inbound and outbound. seq is present on every sequenced dispatch but
// omitted on hello, heartbeat_ack and resumed.
type Frame struct {
	Type string          `json:"type"`
	Seq  *int64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

const (
	frameHello          = "hello"
	frameHeartbeat      = "heartbeat"
	frameHeartbeatAck   = "heartbeat_ack"
	frameIdentify       = "identify"
	frameResume         = "resume"
	frameReady          = "ready"
	frameResumed        = "resumed"
	frameInvalidSession = "invalid_session"
)

func marshalFrame(typ string, seq *int64, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = encoded
	}
	return json.Marshal(Frame{Type: typ, Seq: seq, Data: raw})
}

// HelloPayload announces the heartbeat cadence the client must honor.
type HelloPayload struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// NewHelloFrame returns a serialised hello frame. Unsequenced.
func NewHelloFrame(heartbeatInterval int64) ([]byte, error) {
	return marshalFrame(frameHello, nil, HelloPayload{HeartbeatIntervalMS: heartbeatInterval})
}

// NewHeartbeatACKFrame returns a serialised heartbeat_ack frame. Unsequenced.
func NewHeartbeatACKFrame() ([]byte, error) {
	return marshalFrame(frameHeartbeatAck, nil, nil)
}

// ReadyPayload is the server's reply to a successful identify.
type ReadyPayload struct {
	SessionID       string   `json:"session_id"`
	UserID          int64    `json:"user_id"`
	DisplayName     string   `json:"display_name"`
	ServerName      string   `json:"server_name"`
	ServerIcon      *string  `json:"server_icon,omitempty"`
	ServerTimeMS    int64    `json:"server_time"`
	ProtocolVersion int      `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

// NewReadyFrame returns a serialised dispatch frame carrying the ready
// payload, sequenced like any other dispatch.
func NewReadyFrame(seq int64, payload ReadyPayload) ([]byte, error) {
	return marshalFrame(frameReady, &seq, payload)
}

// NewResumedFrame returns a serialised resumed frame. Unsequenced.
func NewResumedFrame() ([]byte, error) {
	return marshalFrame(frameResumed, nil, nil)
}

// NewInvalidSessionFrame returns a serialised invalid_session frame telling
// the client whether it may retry with resume or must re-identify.
func NewInvalidSessionFrame(resumable bool) ([]byte, error) {
	return marshalFrame(frameInvalidSession, nil, map[string]bool{"resumable": resumable})
}

// NewDispatchFrame returns a serialised, sequenced dispatch frame for a
// domain event.
func NewDispatchFrame(seq int64, evt event.Event) ([]byte, error) {
	return marshalFrame(string(evt.Type), &seq, evt.Data)
}
