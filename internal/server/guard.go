package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Identity is the result of a successful authentication.
type Identity struct {
	UserID    string
	Role      Role
	SessionID string
	TokenID   string
}

// VerifiedToken is what a token verifier returns. Verification itself is the
// identity provider's job; the guard only layers blacklist, expiry, session,
// and rate bookkeeping on top.
type VerifiedToken struct {
	Subject   string
	Role      Role
	TokenID   string
	SessionID string    // empty means the guard allocates one
	ExpiresAt time.Time // zero means no expiry
}

// TokenVerifier validates a raw bearer token.
type TokenVerifier interface {
	Verify(token string) (VerifiedToken, error)
}

// staticTokenVerifier accepts the configured shared agent token. Constant
// time comparison, token id derived from the token hash.
type staticTokenVerifier struct {
	token string
	role  Role
}

func (v *staticTokenVerifier) Verify(token string) (VerifiedToken, error) {
	if subtle.ConstantTimeCompare([]byte(v.token), []byte(token)) != 1 {
		return VerifiedToken{}, ErrAuthFailed
	}
	sum := sha256.Sum256([]byte(token))
	return VerifiedToken{
		Subject: "agent",
		Role:    v.role,
		TokenID: hex.EncodeToString(sum[:8]),
	}, nil
}

// sessionRec is one active session for an identity, oldest first in the
// per-identity list.
type sessionRec struct {
	ID        string
	TokenID   string
	CreatedAt time.Time
}

// rateWindow is a sliding-window message counter for one identity.
type rateWindow struct {
	times        []time.Time
	blockedUntil time.Time
}

// Guard validates inbound tokens and enforces the per-identity limits:
// session fan-out, message rate, and suspicious-activity escalation. Purely
// in-memory plus event emission; blacklist persistence is best-effort.
type Guard struct {
	log  zerolog.Logger
	cfg  *Config
	db   *sql.DB
	sink *AuditSink

	verifier TokenVerifier

	mu        sync.Mutex
	blacklist map[string]time.Time    // token id -> expiry (zero = forever)
	sessions  map[string][]sessionRec // identity -> active sessions, oldest first
	rates     map[string]*rateWindow
	patterns  map[string]map[string]int // identity -> pattern type -> count
	tokens    map[string][]string       // identity -> token ids seen

	// forceClose severs the connection backing an evicted session.
	forceClose func(sessionID string, reason protocol.CloseReason)
}

// NewGuard creates the guard with the static agent-token verifier.
func NewGuard(cfg *Config, db *sql.DB, log zerolog.Logger, sink *AuditSink) *Guard {
	return &Guard{
		log:        log.With().Str("component", "guard").Logger(),
		cfg:        cfg,
		db:         db,
		sink:       sink,
		verifier:   &staticTokenVerifier{token: cfg.AgentToken, role: RoleAgent},
		blacklist:  make(map[string]time.Time),
		sessions:   make(map[string][]sessionRec),
		rates:      make(map[string]*rateWindow),
		patterns:   make(map[string]map[string]int),
		tokens:     make(map[string][]string),
		forceClose: func(string, protocol.CloseReason) {},
	}
}

// SetForceCloser installs the registry hook for evicted sessions.
func (g *Guard) SetForceCloser(fn func(sessionID string, reason protocol.CloseReason)) {
	g.forceClose = fn
}

// Authenticate verifies a token and allocates a session. Blacklisted and
// expired tokens fail; exceeding the per-identity session cap evicts the
// oldest session and force-closes its connection.
func (g *Guard) Authenticate(token string) (Identity, error) {
	vt, err := g.verifier.Verify(token)
	if err != nil {
		g.sink.Record(AuditEvent{Category: AuditAuth, Event: "auth-failed"})
		return Identity{}, ErrAuthFailed
	}
	return g.admit(vt)
}

// AdmitVerified allocates a session for a token the caller already verified
// (e.g. an operator session cookie). Runs the same blacklist and fan-out
// checks as Authenticate.
func (g *Guard) AdmitVerified(vt VerifiedToken) (Identity, error) {
	return g.admit(vt)
}

func (g *Guard) admit(vt VerifiedToken) (Identity, error) {
	now := time.Now()
	if !vt.ExpiresAt.IsZero() && now.After(vt.ExpiresAt) {
		g.sink.Record(AuditEvent{Category: AuditAuth, Event: "auth-expired", ActorID: vt.Subject})
		return Identity{}, ErrAuthFailed
	}

	g.mu.Lock()
	if exp, listed := g.blacklist[vt.TokenID]; listed && (exp.IsZero() || now.Before(exp)) {
		g.mu.Unlock()
		g.sink.Record(AuditEvent{Category: AuditAuth, Event: "auth-blacklisted", ActorID: vt.Subject})
		return Identity{}, ErrAuthFailed
	}

	sessionID := vt.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	id := Identity{
		UserID:    vt.Subject,
		Role:      vt.Role,
		SessionID: sessionID,
		TokenID:   vt.TokenID,
	}
	g.rememberTokenLocked(vt.Subject, vt.TokenID)

	// Agents all present the shared static token, so their connections must
	// not pool into one identity's session set: the one-connection-per-agent
	// rule is enforced by registry superseding at registration, keyed by the
	// actual agent id. The fan-out cap tracks dashboard sessions only.
	var evicted []sessionRec
	if vt.Role != RoleAgent {
		g.sessions[vt.Subject] = append(g.sessions[vt.Subject], sessionRec{
			ID:        sessionID,
			TokenID:   vt.TokenID,
			CreatedAt: now,
		})
		for len(g.sessions[vt.Subject]) > g.cfg.MaxSessions {
			evicted = append(evicted, g.sessions[vt.Subject][0])
			g.sessions[vt.Subject] = g.sessions[vt.Subject][1:]
		}
	}
	g.mu.Unlock()

	for _, old := range evicted {
		g.log.Info().Str("identity", vt.Subject).Str("session", old.ID).Msg("session cap reached, evicting oldest")
		g.sink.Record(AuditEvent{
			Category: AuditAuth,
			Event:    "session-evicted",
			ActorID:  vt.Subject,
			Detail:   map[string]any{"session_id": old.ID},
		})
		g.forceClose(old.ID, protocol.CloseAuthRevoked)
	}

	g.sink.Record(AuditEvent{
		Category: AuditAuth,
		Event:    "session-opened",
		ActorID:  vt.Subject,
		Detail:   map[string]any{"session_id": id.SessionID, "role": string(vt.Role)},
	})
	return id, nil
}

// EndSession removes a session from its identity's active set.
func (g *Guard) EndSession(identity, sessionID string) {
	g.mu.Lock()
	recs := g.sessions[identity]
	for i, rec := range recs {
		if rec.ID == sessionID {
			g.sessions[identity] = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
}

// ActiveSessions returns how many sessions an identity currently holds.
func (g *Guard) ActiveSessions(identity string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions[identity])
}

// Revoke blacklists a token id. A zero ttl blacklists forever.
func (g *Guard) Revoke(tokenID, reason string, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	g.mu.Lock()
	g.blacklist[tokenID] = exp
	g.mu.Unlock()

	g.sink.Record(AuditEvent{
		Category: AuditSecurity,
		Event:    "token-revoked",
		Detail:   map[string]any{"token_id": tokenID, "reason": reason},
	})
}

// IsRevoked checks a token id against the blacklist.
func (g *Guard) IsRevoked(tokenID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, listed := g.blacklist[tokenID]
	if !listed {
		return false
	}
	return exp.IsZero() || time.Now().Before(exp)
}

// CheckRate records one message for an identity and reports whether it is
// allowed. Crossing the limit starts a cooldown block; both the rejection
// and the block transition emit security events.
func (g *Guard) CheckRate(identity string) bool {
	now := time.Now()
	cutoff := now.Add(-g.cfg.RateLimitWindow)

	g.mu.Lock()
	w, ok := g.rates[identity]
	if !ok {
		w = &rateWindow{}
		g.rates[identity] = w
	}

	if now.Before(w.blockedUntil) {
		g.mu.Unlock()
		return false
	}

	recent := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	w.times = recent

	if len(w.times) >= g.cfg.RateLimitMessages {
		w.blockedUntil = now.Add(g.cfg.RateLimitCooldown)
		g.mu.Unlock()
		g.log.Warn().Str("identity", identity).Msg("rate limit exceeded, identity blocked")
		g.sink.Record(AuditEvent{
			Category: AuditSecurity,
			Event:    "rate-limit-block",
			ActorID:  identity,
			Detail:   map[string]any{"cooldown": g.cfg.RateLimitCooldown.String()},
		})
		return false
	}

	w.times = append(w.times, now)
	g.mu.Unlock()
	return true
}

// DetectSuspicious counts a suspicious pattern for an identity. Crossing the
// threshold emits an alert; crossing twice the threshold revokes all of the
// identity's tokens and force-closes its sessions.
func (g *Guard) DetectSuspicious(identity, patternType string) {
	g.mu.Lock()
	if g.patterns[identity] == nil {
		g.patterns[identity] = make(map[string]int)
	}
	g.patterns[identity][patternType]++
	count := g.patterns[identity][patternType]
	g.mu.Unlock()

	if count == g.cfg.SuspiciousThreshold {
		g.log.Warn().Str("identity", identity).Str("pattern", patternType).Int("count", count).Msg("suspicious activity threshold crossed")
		g.sink.Record(AuditEvent{
			Category: AuditSecurity,
			Event:    "suspicious-activity",
			ActorID:  identity,
			Detail:   map[string]any{"pattern": patternType, "count": count},
		})
	}
	if count >= 2*g.cfg.SuspiciousThreshold {
		g.RevokeAll(identity, "suspicious activity: "+patternType)
	}
}

// RevokeAll blacklists every token seen for an identity and invalidates all
// of its sessions, cascading into connection force-closes.
func (g *Guard) RevokeAll(identity, reason string) {
	g.mu.Lock()
	tokenIDs := append([]string(nil), g.tokens[identity]...)
	sessions := append([]sessionRec(nil), g.sessions[identity]...)
	delete(g.sessions, identity)
	delete(g.patterns, identity)
	for _, tid := range tokenIDs {
		g.blacklist[tid] = time.Time{}
	}
	g.mu.Unlock()

	g.log.Warn().Str("identity", identity).Str("reason", reason).Msg("revoking all tokens and sessions")
	g.sink.Record(AuditEvent{
		Category: AuditSecurity,
		Event:    "identity-revoked",
		ActorID:  identity,
		Detail:   map[string]any{"reason": reason, "sessions": len(sessions)},
	})
	for _, rec := range sessions {
		g.forceClose(rec.ID, protocol.CloseAuthRevoked)
	}
}

// ExpireSweep drops expired blacklist entries and idle rate windows. Run on
// a schedule; holds the lock once per pass.
func (g *Guard) ExpireSweep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for tid, exp := range g.blacklist {
		if !exp.IsZero() && now.After(exp) {
			delete(g.blacklist, tid)
		}
	}
	cutoff := now.Add(-g.cfg.RateLimitWindow)
	for identity, w := range g.rates {
		if now.After(w.blockedUntil) && (len(w.times) == 0 || !w.times[len(w.times)-1].After(cutoff)) {
			delete(g.rates, identity)
		}
	}
}

func (g *Guard) rememberTokenLocked(identity, tokenID string) {
	for _, tid := range g.tokens[identity] {
		if tid == tokenID {
			return
		}
	}
	g.tokens[identity] = append(g.tokens[identity], tokenID)
}

// ─── Operator authentication (dashboard side) ───────────────────────────────

// OperatorSession is a logged-in dashboard user's session.
type OperatorSession struct {
	ID        string
	UserID    string
	CSRFToken string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CheckPassword verifies the operator password against the configured hash.
func (g *Guard) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(g.cfg.PasswordHash), []byte(password)) == nil
}

// CheckTOTP verifies the second factor when configured.
func (g *Guard) CheckTOTP(code string) bool {
	if !g.cfg.HasTOTP() {
		return true
	}
	return totp.Validate(code, g.cfg.TOTPSecret)
}

// CreateOperatorSession persists a new dashboard session and registers it in
// the identity's active-session set.
func (g *Guard) CreateOperatorSession(userID string) (*OperatorSession, error) {
	sessionID, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	csrfToken, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}

	session := &OperatorSession{
		ID:        sessionID,
		UserID:    userID,
		CSRFToken: csrfToken,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(g.cfg.SessionDuration),
	}
	_, err = g.db.Exec(
		`INSERT INTO sessions (id, user_id, csrf_token, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.CSRFToken, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	// Register in the fan-out bookkeeping so the session cap applies to
	// operator logins too.
	if _, err := g.AdmitVerified(VerifiedToken{
		Subject:   userID,
		Role:      RoleDashboard,
		TokenID:   sessionID,
		SessionID: sessionID,
	}); err != nil {
		return nil, err
	}
	return session, nil
}

// GetOperatorSession loads and validates a session by id.
func (g *Guard) GetOperatorSession(sessionID string) (*OperatorSession, error) {
	session := &OperatorSession{}
	err := g.db.QueryRow(
		`SELECT id, user_id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.UserID, &session.CSRFToken, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		_ = g.DeleteOperatorSession(session)
		return nil, sql.ErrNoRows
	}
	if g.IsRevoked(session.ID) {
		return nil, ErrAuthFailed
	}
	return session, nil
}

// DeleteOperatorSession removes a session from the store and the active set.
func (g *Guard) DeleteOperatorSession(session *OperatorSession) error {
	g.EndSession(session.UserID, session.ID)
	_, err := g.db.Exec(`DELETE FROM sessions WHERE id = ?`, session.ID)
	return err
}

// ValidateCSRF compares the CSRF token in constant time.
func (g *Guard) ValidateCSRF(session *OperatorSession, token string) bool {
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) == 1
}

// SessionFromRequest extracts the operator session from the request cookie.
func (g *Guard) SessionFromRequest(r *http.Request) (*OperatorSession, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, err
	}
	return g.GetOperatorSession(cookie.Value)
}

const sessionCookieName = "agentdeck_session"

// SetSessionCookie sets the session cookie on the response.
func (g *Guard) SetSessionCookie(w http.ResponseWriter, session *OperatorSession) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie clears the session cookie.
func (g *Guard) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
