package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

// testServer spins up the full wired server behind an httptest listener.
func testServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := testConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.router)
	t.Cleanup(func() {
		ts.Close()
		s.registry.CloseAll(protocol.CloseShutdown)
		cancel()
		s.sink.Close()
		_ = s.db.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return s, wsURL
}

func dialAgent(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	data, _ := msg.Encode()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readMsg reads until a message of the wanted type arrives or the deadline
// passes. Other message types (status broadcasts, etc.) are skipped.
func readMsg(t *testing.T, conn *websocket.Conn, wantType string) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", wantType, err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
	t.Fatalf("no %s message before deadline", wantType)
	return nil
}

func registerAgent(t *testing.T, conn *websocket.Conn, agentID string) {
	t.Helper()
	sendMsg(t, conn, protocol.TypeAgentRegister, protocol.AgentRegisterPayload{
		AgentID:           agentID,
		AgentType:         "SHELL",
		AgentVersion:      "1.0.0",
		SupportsInterrupt: true,
	})
	msg := readMsg(t, conn, protocol.TypeRegistered)
	var payload protocol.RegisteredPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.AgentID != agentID {
		t.Fatalf("bad registration confirmation: %v / %+v", err, payload)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWebSocketRequiresToken(t *testing.T) {
	_, wsURL := testServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial without credentials should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatal("bad token should be rejected with 401")
	}
}

func TestAgentRegistrationFlow(t *testing.T) {
	s, wsURL := testServer(t)

	conn := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, conn, "agent-a")

	waitFor(t, "agent online", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOnline
	})
	if c := s.registry.AgentConn("agent-a"); c == nil {
		t.Fatal("agent connection should be bound")
	}
}

func TestCommandDispatchToAgent(t *testing.T) {
	s, wsURL := testServer(t)

	conn := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, conn, "agent-a")
	waitFor(t, "agent online", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOnline
	})

	cmd, err := s.engine.Submit("agent-a", "echo hi", protocol.PriorityNormal, "operator")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	msg := readMsg(t, conn, protocol.TypeCommand)
	var payload protocol.CommandPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("parse command: %v", err)
	}
	if payload.CommandID != cmd.ID || payload.Content != "echo hi" {
		t.Errorf("dispatch payload mismatch: %+v", payload)
	}

	// The agent streams output and completes; the hub applies both.
	sendMsg(t, conn, protocol.TypeTerminalStream, protocol.TerminalStreamPayload{
		CommandID: cmd.ID,
		Stream:    protocol.StreamStdout,
		Content:   "hi\n",
	})
	zero := 0
	sendMsg(t, conn, protocol.TypeCommandStatus, protocol.CommandStatusPayload{
		CommandID: cmd.ID,
		Status:    protocol.CommandCompleted,
		ExitCode:  &zero,
	})

	waitFor(t, "command completed", func() bool {
		got, _ := s.engine.Get(cmd.ID)
		return got.Status == protocol.CommandCompleted
	})

	chunks, err := s.terminal.Replay(cmd.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	// Command echo plus the streamed line.
	if len(chunks) != 2 || chunks[1].Content != "hi\n" {
		t.Errorf("unexpected replay: %+v", chunks)
	}
}

func TestFleetLargerThanSessionCapStaysConnected(t *testing.T) {
	s, wsURL := testServer(t)

	// More agents than the per-identity session cap; the shared token must
	// not pool them into one identity and evict the oldest.
	n := s.cfg.MaxSessions + 1
	for i := 0; i < n; i++ {
		conn := dialAgent(t, wsURL, "test-agent-token")
		registerAgent(t, conn, fmt.Sprintf("agent-%d", i))
	}

	for i := 0; i < n; i++ {
		agentID := fmt.Sprintf("agent-%d", i)
		waitFor(t, agentID+" online", func() bool {
			status, _, _ := s.tracker.Status(agentID)
			return status == protocol.AgentOnline
		})
		if s.registry.AgentConn(agentID) == nil {
			t.Fatalf("%s should still be bound", agentID)
		}
	}
	if got := s.registry.Count(); got != n {
		t.Fatalf("expected %d live connections, got %d", n, got)
	}
}

func TestStreamingAgentCompletesOverRateBudget(t *testing.T) {
	s, wsURL := testServer(t)

	conn := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, conn, "agent-a")
	waitFor(t, "agent online", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOnline
	})

	cmd, err := s.engine.Submit("agent-a", "yes | head -70", protocol.PriorityNormal, "operator")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	readMsg(t, conn, protocol.TypeCommand)

	// Stream more chunks than the rate budget allows inside one window,
	// then report completion. The data path must not be throttled.
	for i := 0; i < s.cfg.RateLimitMessages+10; i++ {
		sendMsg(t, conn, protocol.TypeTerminalStream, protocol.TerminalStreamPayload{
			CommandID: cmd.ID,
			Stream:    protocol.StreamStdout,
			Content:   "y\n",
		})
	}
	zero := 0
	sendMsg(t, conn, protocol.TypeCommandStatus, protocol.CommandStatusPayload{
		CommandID: cmd.ID,
		Status:    protocol.CommandCompleted,
		ExitCode:  &zero,
	})

	waitFor(t, "command completed", func() bool {
		got, _ := s.engine.Get(cmd.ID)
		return got.Status == protocol.CommandCompleted
	})

	chunks, err := s.terminal.Replay(cmd.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	// Command echo plus every streamed chunk; none rate-dropped.
	if want := s.cfg.RateLimitMessages + 11; len(chunks) != want {
		t.Errorf("expected %d chunks, got %d", want, len(chunks))
	}

	if _, activity, _ := s.tracker.Status("agent-a"); activity != protocol.ActivityIdle {
		t.Errorf("agent should return to IDLE, got %s", activity)
	}
}

func TestDuplicateAgentSuperseded(t *testing.T) {
	s, wsURL := testServer(t)

	first := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, first, "agent-a")

	second := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, second, "agent-a")

	waitFor(t, "old connection closed", func() bool {
		_ = first.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, _, err := first.ReadMessage()
		return err != nil
	})

	// The agent stays online on the new connection.
	waitFor(t, "agent online on new connection", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOnline
	})
	if s.registry.AgentConn("agent-a") == nil {
		t.Fatal("new connection should hold the agent binding")
	}
}

func TestDashboardSubscribeReplay(t *testing.T) {
	s, wsURL := testServer(t)

	agentConn := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, agentConn, "agent-a")
	waitFor(t, "agent online", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOnline
	})

	cmd, err := s.engine.Submit("agent-a", "echo hi", protocol.PriorityNormal, "operator")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sendMsg(t, agentConn, protocol.TypeTerminalStream, protocol.TerminalStreamPayload{
		CommandID: cmd.ID,
		Stream:    protocol.StreamStdout,
		Content:   "early output\n",
	})
	waitFor(t, "chunk appended", func() bool {
		chunks, _ := s.terminal.Replay(cmd.ID)
		return len(chunks) == 2
	})

	// A dashboard joining late replays the buffer before live output.
	session, err := s.guard.CreateOperatorSession("operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	header := http.Header{}
	header.Set("Cookie", sessionCookieName+"="+session.ID)
	dash, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dashboard dial: %v", err)
	}
	t.Cleanup(func() { _ = dash.Close() })

	sendMsg(t, dash, protocol.TypeSubscribe, protocol.SubscribePayload{CommandID: cmd.ID})

	replayed := readMsg(t, dash, protocol.TypeTerminalStream)
	var chunk protocol.TerminalStreamPayload
	if err := replayed.ParsePayload(&chunk); err != nil {
		t.Fatalf("parse replay: %v", err)
	}
	if chunk.Stream != protocol.StreamCommandEcho {
		t.Errorf("replay should start with the command echo, got %s", chunk.Stream)
	}

	// Live output after the subscription flows through.
	sendMsg(t, agentConn, protocol.TypeTerminalStream, protocol.TerminalStreamPayload{
		CommandID: cmd.ID,
		Stream:    protocol.StreamStdout,
		Content:   "live output\n",
	})
	for {
		msg := readMsg(t, dash, protocol.TypeTerminalStream)
		if err := msg.ParsePayload(&chunk); err != nil {
			t.Fatalf("parse chunk: %v", err)
		}
		if chunk.Content == "live output\n" {
			break
		}
	}
}

func TestOutputForUnknownCommandRejected(t *testing.T) {
	_, wsURL := testServer(t)

	conn := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, conn, "agent-a")

	sendMsg(t, conn, protocol.TypeTerminalStream, protocol.TerminalStreamPayload{
		CommandID: "never-submitted",
		Stream:    protocol.StreamStdout,
		Content:   "orphan\n",
	})

	msg := readMsg(t, conn, protocol.TypeError)
	var payload protocol.ErrorPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.Reason != "UNKNOWN_COMMAND" {
		t.Fatalf("expected UNKNOWN_COMMAND rejection, got %v / %+v", err, payload)
	}
}

func TestConnectionLossMarksAgentOffline(t *testing.T) {
	s, wsURL := testServer(t)

	conn := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, conn, "agent-a")
	waitFor(t, "agent online", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOnline
	})

	cmd, err := s.engine.Submit("agent-a", "sleep 60", protocol.PriorityNormal, "operator")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	readMsg(t, conn, protocol.TypeCommand)

	_ = conn.Close()

	waitFor(t, "agent offline", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOffline
	})
	waitFor(t, "in-flight command failed", func() bool {
		got, _ := s.engine.Get(cmd.ID)
		return got.Status == protocol.CommandFailed
	})

	// A fresh process registering under the same id gets new work.
	again := dialAgent(t, wsURL, "test-agent-token")
	registerAgent(t, again, "agent-a")
	waitFor(t, "agent online again", func() bool {
		status, _, _ := s.tracker.Status("agent-a")
		return status == protocol.AgentOnline
	})
	next, err := s.engine.Submit("agent-a", "echo hi", protocol.PriorityNormal, "operator")
	if err != nil {
		t.Fatalf("submit after reconnect: %v", err)
	}
	msg := readMsg(t, again, protocol.TypeCommand)
	var payload protocol.CommandPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.CommandID != next.ID {
		t.Fatalf("reconnected agent should receive the new command: %v / %+v", err, payload)
	}
}
