package server

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Server ties the coordination components together behind one HTTP listener:
// the WebSocket endpoint for agents and dashboards, and the REST boundary for
// operator actions.
type Server struct {
	cfg *Config
	log zerolog.Logger
	db  *sql.DB

	sink     *AuditSink
	registry *Registry
	tracker  *Tracker
	terminal *Multiplexer
	engine   *Engine
	guard    *Guard
	hub      *Hub

	router   *chi.Mux
	upgrader websocket.Upgrader
	cron     *cron.Cron
	http     *http.Server

	cancelHub context.CancelFunc
}

// New builds a fully wired server. Agents persisted from a previous run are
// reset to offline; their live state is rebuilt as they reconnect.
func New(cfg *Config, log zerolog.Logger) (*Server, error) {
	db, err := InitDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	sink := NewAuditSink(db, log)
	registry := NewRegistry(log, sink)
	tracker := NewTracker(log, db, sink)
	terminal := NewMultiplexer(cfg.RingBufferBytes, cfg.RetainedCommands, log)
	engine := NewEngine(cfg, log, tracker, terminal, db, sink)
	guard := NewGuard(cfg, db, log, sink)
	hub := NewHub(cfg, log, registry, tracker, engine, terminal, guard, sink)

	tracker.ResetAll()

	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "server").Logger(),
		db:       db,
		sink:     sink,
		registry: registry,
		tracker:  tracker,
		terminal: terminal,
		engine:   engine,
		guard:    guard,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from anywhere; browser origin checks add
			// nothing when every connection must present a credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cron: cron.New(),
	}
	s.router = s.routes()
	s.schedule()
	return s, nil
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Post("/api/login", s.handleLogin)
	r.Post("/api/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/agents", s.handleListAgents)
		r.Get("/api/commands", s.handleListCommands)
		r.Get("/api/commands/{id}", s.handleGetCommand)
		r.Get("/api/commands/{id}/output", s.handleCommandOutput)
		r.Get("/api/audit", s.handleAuditLog)

		r.Group(func(r chi.Router) {
			r.Use(s.requireCSRF)

			r.Post("/api/commands", s.handleSubmitCommand)
			r.Post("/api/commands/{id}/cancel", s.handleCancelCommand)
			r.Post("/api/commands/{id}/interrupt", s.handleInterruptCommand)
			r.Post("/api/agents/{id}/restart", s.handleRestartAgent)
			r.Post("/api/emergency-stop", s.handleEmergencyStop)
		})
	})

	return r
}

// schedule registers the maintenance jobs: stale-connection sweeps, guard
// expiry sweeps, and audit pruning.
func (s *Server) schedule() {
	sweepSpec := "@every " + s.cfg.SweepInterval.String()
	_, _ = s.cron.AddFunc(sweepSpec, func() {
		evicted := s.registry.Sweep(time.Now(), s.cfg.HeartbeatTimeout)
		if len(evicted) > 0 {
			s.log.Info().Int("count", len(evicted)).Msg("evicted stale connections")
		}
	})
	_, _ = s.cron.AddFunc("@every 1m", func() {
		s.guard.ExpireSweep(time.Now())
	})
	_, _ = s.cron.AddFunc("@daily", func() {
		pruned, err := s.sink.Prune(s.cfg.AuditRetention)
		if err != nil {
			s.log.Error().Err(err).Msg("audit prune failed")
			return
		}
		if pruned > 0 {
			s.log.Info().Int64("pruned", pruned).Msg("audit log pruned")
		}
	})
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully: connections are closed with SERVER_SHUTDOWN and the audit sink
// is drained.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancelHub = cancel
	go s.hub.Run(hubCtx)
	s.cron.Start()

	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = s.http.Shutdown(shutdownCtx)

	s.registry.CloseAll(protocol.CloseShutdown)
	<-s.cron.Stop().Done()
	s.cancelHub()
	s.sink.Close()
	return s.db.Close()
}

// requestLogger logs non-websocket requests at debug.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/ws" {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("took", time.Since(start)).
				Msg("request")
		}
	})
}

// requireSession authenticates the operator session cookie and attaches the
// session to the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.guard.SessionFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

// requireCSRF double-checks state-changing requests against the session's
// CSRF token.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := sessionFrom(r.Context())
		if !ok || !s.guard.ValidateCSRF(session, r.Header.Get("X-CSRF-Token")) {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWebSocket authenticates and upgrades a connection. The credential is
// taken from the Authorization header first, then the token query parameter,
// then the operator session cookie.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateWS(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	s.hub.Attach(conn, connID, identity.Role, identity.UserID, identity.SessionID)
	s.log.Info().
		Str("conn", connID).
		Str("role", string(identity.Role)).
		Str("identity", identity.UserID).
		Msg("connection established")
}

func (s *Server) authenticateWS(r *http.Request) (Identity, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return s.guard.Authenticate(strings.TrimPrefix(auth, "Bearer "))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return s.guard.Authenticate(token)
	}

	session, err := s.guard.SessionFromRequest(r)
	if err != nil {
		return Identity{}, ErrAuthFailed
	}
	return Identity{
		UserID:    session.UserID,
		Role:      RoleDashboard,
		SessionID: session.ID,
	}, nil
}
