package protocol

import (
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeCommand, CommandPayload{
		CommandID: "cmd-1",
		Content:   "echo hi",
		Priority:  PriorityHigh,
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ID == "" || msg.Timestamp == 0 {
		t.Error("message must carry id and timestamp")
	}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeCommand || decoded.ID != msg.ID {
		t.Errorf("envelope mismatch: %+v", decoded)
	}

	var payload CommandPayload
	if err := decoded.ParsePayload(&payload); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.CommandID != "cmd-1" || payload.Priority != PriorityHigh {
		t.Errorf("payload mismatch: %+v", payload)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"made_up","id":"1","timestamp":1,"payload":{}}`)); err == nil {
		t.Fatal("unknown message type must be rejected")
	}
	if _, err := Decode([]byte(`not json`)); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestCommandStatusTerminal(t *testing.T) {
	terminal := []CommandStatus{CommandCompleted, CommandFailed, CommandCancelled, CommandStopped, CommandInterrupted}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []CommandStatus{CommandQueued, CommandExecuting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPriorityRanking(t *testing.T) {
	if !(PriorityUrgent.Rank() > PriorityHigh.Rank() &&
		PriorityHigh.Rank() > PriorityNormal.Rank() &&
		PriorityNormal.Rank() > PriorityLow.Rank()) {
		t.Error("priority ranks out of order")
	}
	if Priority("BOGUS").Valid() {
		t.Error("unknown priority should be invalid")
	}
}
