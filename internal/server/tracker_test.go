package server

import (
	"testing"

	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(zerolog.Nop(), nil, testSink(t))
}

func register(t *testing.T, tr *Tracker, agentID string) {
	t.Helper()
	tr.Connecting(agentID, "SHELL", "1.0.0", Capabilities{SupportsInterrupt: true})
	tr.Online(agentID)
}

func TestAgentLifecycle(t *testing.T) {
	tr := testTracker(t)

	tr.Connecting("a1", "CLAUDE", "1.0.0", Capabilities{})
	if status, _, _ := tr.Status("a1"); status != protocol.AgentConnecting {
		t.Fatalf("expected CONNECTING, got %s", status)
	}

	tr.Online("a1")
	status, activity, known := tr.Status("a1")
	if !known || status != protocol.AgentOnline || activity != protocol.ActivityIdle {
		t.Fatalf("expected ONLINE/IDLE, got %s/%s", status, activity)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	tr := testTracker(t)
	register(t, tr, "a1")

	// ONLINE -> STOPPED skips STOPPING and must be dropped.
	if err := tr.ReportStatus("a1", protocol.AgentStopped, "", ""); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if status, _, _ := tr.Status("a1"); status != protocol.AgentOnline {
		t.Errorf("agent state should be unchanged after a rejected transition, got %s", status)
	}
}

func TestErrorRecovery(t *testing.T) {
	tr := testTracker(t)
	register(t, tr, "a1")

	if err := tr.ReportStatus("a1", protocol.AgentError, "", "model overloaded"); err != nil {
		t.Fatalf("ONLINE -> ERROR should be valid: %v", err)
	}
	a, _ := tr.Get("a1")
	if a.LastError != "model overloaded" {
		t.Errorf("last error not recorded: %q", a.LastError)
	}

	if err := tr.ReportStatus("a1", protocol.AgentOnline, protocol.ActivityIdle, ""); err != nil {
		t.Fatalf("ERROR -> ONLINE should be valid: %v", err)
	}
}

func TestConnectionLostFlipsOffline(t *testing.T) {
	tr := testTracker(t)
	register(t, tr, "a1")

	tr.ConnectionLost("a1")
	if status, _, _ := tr.Status("a1"); status != protocol.AgentOffline {
		t.Fatalf("expected OFFLINE after connection loss, got %s", status)
	}
}

func TestConnectionLostDuringStopKeepsStopping(t *testing.T) {
	tr := testTracker(t)
	register(t, tr, "a1")
	tr.MarkStopping("a1")

	tr.ConnectionLost("a1")
	if status, _, _ := tr.Status("a1"); status != protocol.AgentStopping {
		t.Fatalf("stop in flight must survive a disconnect, got %s", status)
	}

	// The stop then resolves one way or the other, never silently offline.
	tr.MarkStopped("a1")
	if status, _, _ := tr.Status("a1"); status != protocol.AgentStopped {
		t.Fatalf("expected STOPPED, got %s", status)
	}
}

func TestMarkUnresponsive(t *testing.T) {
	tr := testTracker(t)
	register(t, tr, "a1")
	tr.MarkStopping("a1")

	tr.MarkUnresponsive("a1")
	status, activity, _ := tr.Status("a1")
	if status != protocol.AgentError {
		t.Errorf("expected ERROR, got %s", status)
	}
	if activity != protocol.ActivityUnresponsive {
		t.Errorf("expected UNRESPONSIVE activity, got %s", activity)
	}
}

func TestRestartFromStopped(t *testing.T) {
	tr := testTracker(t)
	register(t, tr, "a1")
	tr.MarkStopping("a1")
	tr.MarkStopped("a1")

	if err := tr.RestartRequested("a1"); err != nil {
		t.Fatalf("STOPPED -> CONNECTING should be valid: %v", err)
	}
	if status, _, _ := tr.Status("a1"); status != protocol.AgentConnecting {
		t.Fatalf("expected CONNECTING, got %s", status)
	}
}

func TestStatusEventsPublished(t *testing.T) {
	tr := testTracker(t)

	var events []Event
	tr.SetPublisher(func(ev Event) { events = append(events, ev) })

	register(t, tr, "a1")
	if len(events) != 2 {
		t.Fatalf("expected 2 status events (CONNECTING, ONLINE), got %d", len(events))
	}
	for _, ev := range events {
		if ev.Type != protocol.TypeAgentStatus {
			t.Errorf("unexpected event type %s", ev.Type)
		}
	}
}
