package server

import (
	"testing"
	"time"

	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zerolog.Nop(), testSink(t))
}

func addConn(r *Registry, id string, role Role) *fakeSender {
	sender := &fakeSender{}
	r.Register(&Connection{ID: id, Identity: id, Role: role}, sender)
	return sender
}

func TestBindAgentSupersedesDuplicate(t *testing.T) {
	r := testRegistry(t)

	var lost []string
	r.SetCloseHandler(func(c *Connection, reason protocol.CloseReason) {
		if c.AgentID != "" {
			lost = append(lost, c.AgentID)
		}
	})

	first := addConn(r, "conn-1", RoleAgent)
	r.BindAgent("conn-1", "agent-a")

	second := addConn(r, "conn-2", RoleAgent)
	superseded := r.BindAgent("conn-2", "agent-a")

	if !superseded {
		t.Fatal("expected second bind to supersede the first")
	}
	if !first.isShut() {
		t.Error("superseded connection should be shut down")
	}
	if second.isShut() {
		t.Error("new connection should stay open")
	}
	if _, ok := r.Get("conn-1"); ok {
		t.Error("superseded connection should be removed")
	}
	if c := r.AgentConn("agent-a"); c == nil || c.ID != "conn-2" {
		t.Error("agent should be bound to the new connection")
	}
	// The close handler must not see the agent binding, otherwise the
	// tracker would flip the still-connected agent offline.
	if len(lost) != 0 {
		t.Errorf("close handler saw agent binding on superseded connection: %v", lost)
	}
}

func TestSweepEvictsStaleConnections(t *testing.T) {
	r := testRegistry(t)

	stale := addConn(r, "stale", RoleAgent)
	addConn(r, "fresh", RoleDashboard)

	// Age only the stale connection's heartbeat.
	r.mu.Lock()
	r.conns["stale"].lastHeartbeat = time.Now().Add(-5 * time.Minute)
	r.mu.Unlock()

	evicted := r.Sweep(time.Now(), 90*time.Second)
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("expected [stale] evicted, got %v", evicted)
	}
	if !stale.isShut() {
		t.Error("evicted connection should be shut down")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 live connection, got %d", r.Count())
	}
}

func TestHeartbeatUnknownConnectionIsNoop(t *testing.T) {
	r := testRegistry(t)
	r.Heartbeat("never-registered") // must not panic
}

func TestFanoutRespectsSubscriptions(t *testing.T) {
	r := testRegistry(t)

	all := addConn(r, "dash-all", RoleDashboard)
	one := addConn(r, "dash-one", RoleDashboard)
	none := addConn(r, "dash-none", RoleDashboard)
	agent := addConn(r, "agent-conn", RoleAgent)
	r.BindAgent("agent-conn", "agent-a")

	r.Subscribe("dash-all", "*")
	r.Subscribe("dash-one", "cmd-1")

	// Command-scoped fanout goes to matching subscribers only.
	delivered, skipped := r.fanout([]byte("chunk"), "cmd-1")
	if delivered != 2 || skipped != 0 {
		t.Fatalf("expected 2 delivered, got %d delivered %d skipped", delivered, skipped)
	}
	if none.sent() != 0 {
		t.Error("unsubscribed dashboard should not receive command output")
	}
	if agent.sent() != 0 {
		t.Error("agents never receive dashboard fanout")
	}

	// Unconditional fanout reaches every dashboard.
	delivered, _ = r.fanout([]byte("status"), "")
	if delivered != 3 {
		t.Fatalf("expected 3 delivered, got %d", delivered)
	}
	if all.sent() != 2 || one.sent() != 2 || none.sent() != 1 {
		t.Errorf("unexpected delivery counts: all=%d one=%d none=%d", all.sent(), one.sent(), none.sent())
	}
}

func TestFanoutSkipsSlowConnections(t *testing.T) {
	r := testRegistry(t)

	slow := addConn(r, "dash-slow", RoleDashboard)
	slow.full = true
	addConn(r, "dash-ok", RoleDashboard)

	delivered, skipped := r.fanout([]byte("event"), "")
	if delivered != 1 || skipped != 1 {
		t.Fatalf("expected 1 delivered 1 skipped, got %d/%d", delivered, skipped)
	}
}

func TestSendToAgent(t *testing.T) {
	r := testRegistry(t)

	if err := r.SendToAgent("ghost", []byte("x")); err != ErrAgentUnavailable {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}

	sender := addConn(r, "conn-1", RoleAgent)
	r.BindAgent("conn-1", "agent-a")

	if err := r.SendToAgent("agent-a", []byte("x")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sender.sent() != 1 {
		t.Errorf("expected 1 message, got %d", sender.sent())
	}

	sender.full = true
	if err := r.SendToAgent("agent-a", []byte("y")); err != ErrAgentUnresponsive {
		t.Fatalf("expected ErrAgentUnresponsive, got %v", err)
	}
}

func TestCloseBySession(t *testing.T) {
	r := testRegistry(t)

	sender := &fakeSender{}
	r.Register(&Connection{ID: "conn-1", Identity: "operator", Role: RoleDashboard, SessionID: "sess-1"}, sender)
	addConn(r, "conn-2", RoleDashboard)

	r.CloseBySession("sess-1", protocol.CloseAuthRevoked)

	if !sender.isShut() {
		t.Error("session-backed connection should be closed")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 remaining connection, got %d", r.Count())
	}
}
