package gateway

import (
	"encoding/json"
	"testing"

	"github.com/voxchat/voxd/internal/event"
)

func TestNewHelloFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHelloFrame(45000)
	if err != nil {
		t.Fatalf("NewHelloFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != frameHello {
		t.Errorf("Type = %q, want %q", f.Type, frameHello)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}

	var payload HelloPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal hello payload: %v", err)
	}
	if payload.HeartbeatIntervalMS != 45000 {
		t.Errorf("HeartbeatIntervalMS = %d, want 45000", payload.HeartbeatIntervalMS)
	}
}

func TestNewHeartbeatACKFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHeartbeatACKFrame()
	if err != nil {
		t.Fatalf("NewHeartbeatACKFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != frameHeartbeatAck {
		t.Errorf("Type = %q, want %q", f.Type, frameHeartbeatAck)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
}

func TestNewReadyFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewReadyFrame(1, ReadyPayload{SessionID: "abc", UserID: 42, ProtocolVersion: 1})
	if err != nil {
		t.Fatalf("NewReadyFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != frameReady {
		t.Errorf("Type = %q, want %q", f.Type, frameReady)
	}
	if f.Seq == nil || *f.Seq != 1 {
		t.Errorf("Seq = %v, want 1", f.Seq)
	}

	var payload ReadyPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal ready payload: %v", err)
	}
	if payload.SessionID != "abc" || payload.UserID != 42 {
		t.Errorf("payload = %+v, want session abc user 42", payload)
	}
}

func TestNewResumedFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewResumedFrame()
	if err != nil {
		t.Fatalf("NewResumedFrame() error = %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != frameResumed {
		t.Errorf("Type = %q, want %q", f.Type, frameResumed)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
}

func TestNewInvalidSessionFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewInvalidSessionFrame(true)
	if err != nil {
		t.Fatalf("NewInvalidSessionFrame() error = %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	var payload map[string]bool
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload["resumable"] {
		t.Errorf("resumable = %v, want true", payload["resumable"])
	}
}

func TestNewDispatchFrame(t *testing.T) {
	t.Parallel()

	evt := event.New(event.TypeFeedCreate, map[string]string{"id": "1"})
	raw, err := NewDispatchFrame(7, evt)
	if err != nil {
		t.Fatalf("NewDispatchFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != string(event.TypeFeedCreate) {
		t.Errorf("Type = %q, want %q", f.Type, event.TypeFeedCreate)
	}
	if f.Seq == nil || *f.Seq != 7 {
		t.Errorf("Seq = %v, want 7", f.Seq)
	}
}
