package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

func testGuard(t *testing.T) *Guard {
	t.Helper()
	return NewGuard(testConfig(), testDB(t), zerolog.Nop(), testSink(t))
}

func TestAuthenticateAgentToken(t *testing.T) {
	g := testGuard(t)

	if _, err := g.Authenticate("wrong-token"); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}

	id, err := g.Authenticate("test-agent-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.Role != RoleAgent || id.SessionID == "" || id.TokenID == "" {
		t.Errorf("incomplete identity: %+v", id)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	g := testGuard(t)

	id, _ := g.Authenticate("test-agent-token")
	g.Revoke(id.TokenID, "test", 0)

	if _, err := g.Authenticate("test-agent-token"); err != ErrAuthFailed {
		t.Fatalf("blacklisted token must fail, got %v", err)
	}
	if !g.IsRevoked(id.TokenID) {
		t.Error("token should report revoked")
	}
}

func TestRevocationTTLExpires(t *testing.T) {
	g := testGuard(t)
	g.Revoke("tok-1", "test", 10*time.Millisecond)

	if !g.IsRevoked("tok-1") {
		t.Fatal("token should be revoked immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if g.IsRevoked("tok-1") {
		t.Error("revocation should expire with its ttl")
	}

	g.ExpireSweep(time.Now())
	g.mu.Lock()
	_, still := g.blacklist["tok-1"]
	g.mu.Unlock()
	if still {
		t.Error("sweep should drop expired blacklist entries")
	}
}

func TestSessionCapEvictsOldest(t *testing.T) {
	g := testGuard(t)

	var closed []string
	g.SetForceCloser(func(sessionID string, reason protocol.CloseReason) {
		closed = append(closed, sessionID)
	})

	var first Identity
	for i := 0; i < g.cfg.MaxSessions+1; i++ {
		id, err := g.AdmitVerified(VerifiedToken{
			Subject: "operator",
			Role:    RoleDashboard,
			TokenID: fmt.Sprintf("tok-%d", i),
		})
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if i == 0 {
			first = id
		}
	}

	if got := g.ActiveSessions("operator"); got != g.cfg.MaxSessions {
		t.Fatalf("expected %d active sessions, got %d", g.cfg.MaxSessions, got)
	}
	if len(closed) != 1 || closed[0] != first.SessionID {
		t.Fatalf("expected oldest session %s force-closed, got %v", first.SessionID, closed)
	}
}

func TestAgentTokenNotPooledIntoOneIdentity(t *testing.T) {
	g := testGuard(t)

	var closed []string
	g.SetForceCloser(func(sessionID string, reason protocol.CloseReason) {
		closed = append(closed, sessionID)
	})

	// A whole fleet shares the static token; admitting more agents than the
	// session cap must never evict anything.
	for i := 0; i < g.cfg.MaxSessions+3; i++ {
		if _, err := g.Authenticate("test-agent-token"); err != nil {
			t.Fatalf("authenticate %d: %v", i, err)
		}
	}

	if len(closed) != 0 {
		t.Fatalf("no agent connection should be force-closed, got %v", closed)
	}
	if got := g.ActiveSessions("agent"); got != 0 {
		t.Fatalf("agent connections must not accrue session records, got %d", got)
	}
}

func TestRateLimitWindowAndCooldown(t *testing.T) {
	g := testGuard(t)
	g.cfg.RateLimitMessages = 3
	g.cfg.RateLimitWindow = time.Hour
	g.cfg.RateLimitCooldown = 10 * time.Millisecond

	for i := 0; i < 3; i++ {
		if !g.CheckRate("ident") {
			t.Fatalf("message %d should pass", i)
		}
	}
	if g.CheckRate("ident") {
		t.Fatal("message over the limit should be blocked")
	}
	// Blocked for the whole cooldown, not per message.
	if g.CheckRate("ident") {
		t.Fatal("cooldown must hold")
	}

	time.Sleep(15 * time.Millisecond)
	g.cfg.RateLimitWindow = time.Millisecond // old timestamps now stale
	if !g.CheckRate("ident") {
		t.Fatal("messages should pass again after the cooldown")
	}
}

func TestSuspiciousActivityEscalation(t *testing.T) {
	g := testGuard(t)
	g.cfg.SuspiciousThreshold = 3

	id, err := g.AdmitVerified(VerifiedToken{
		Subject: "operator",
		Role:    RoleDashboard,
		TokenID: "tok-op",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	var closed []string
	g.SetForceCloser(func(sessionID string, reason protocol.CloseReason) {
		closed = append(closed, sessionID)
	})

	// Crossing twice the threshold revokes everything for the identity.
	for i := 0; i < 6; i++ {
		g.DetectSuspicious("operator", "rate-limit")
	}

	if !g.IsRevoked("tok-op") {
		t.Error("identity's tokens should be blacklisted")
	}
	if g.ActiveSessions("operator") != 0 {
		t.Error("identity's sessions should be cleared")
	}
	if len(closed) != 1 || closed[0] != id.SessionID {
		t.Errorf("live connections should be force-closed, got %v", closed)
	}
}

func TestOperatorSessionLifecycle(t *testing.T) {
	g := testGuard(t)

	if !g.CheckPassword("secret") {
		t.Fatal("configured password should verify")
	}
	if g.CheckPassword("wrong") {
		t.Fatal("wrong password must fail")
	}

	session, err := g.CreateOperatorSession("operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.CSRFToken == "" {
		t.Error("session needs a CSRF token")
	}

	loaded, err := g.GetOperatorSession(session.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !g.ValidateCSRF(loaded, session.CSRFToken) {
		t.Error("CSRF token should validate")
	}
	if g.ValidateCSRF(loaded, "forged") {
		t.Error("forged CSRF token must fail")
	}

	if got := g.ActiveSessions("operator"); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}
	if err := g.DeleteOperatorSession(loaded); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := g.GetOperatorSession(session.ID); err == nil {
		t.Error("deleted session should not load")
	}
	if got := g.ActiveSessions("operator"); got != 0 {
		t.Errorf("deleted session should leave the active set, got %d", got)
	}
}

func TestOperatorSessionsShareFanoutCap(t *testing.T) {
	g := testGuard(t)
	g.cfg.MaxSessions = 2

	for i := 0; i < 3; i++ {
		if _, err := g.CreateOperatorSession("operator"); err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
	}
	if got := g.ActiveSessions("operator"); got != 2 {
		t.Fatalf("expected cap of 2 sessions, got %d", got)
	}
}

func TestTOTPOptional(t *testing.T) {
	g := testGuard(t)
	// No secret configured: any code passes.
	if !g.CheckTOTP("") || !g.CheckTOTP(fmt.Sprintf("%06d", 123456)) {
		t.Error("TOTP should be a no-op when not configured")
	}

	g.cfg.TOTPSecret = "JBSWY3DPEHPK3PXP"
	if g.CheckTOTP("000000") {
		t.Error("bogus code must fail once a secret is configured")
	}
}
