package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/markus-barta/agentdeck/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"agents":      len(s.tracker.Snapshot()),
	})
}

type loginRequest struct {
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.guard.CheckRate("login:" + r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, ErrRateLimited.Error())
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.guard.CheckPassword(req.Password) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("failed login attempt")
		s.sink.Record(AuditEvent{Category: AuditAuth, Event: "login-failed", Detail: map[string]any{"remote": r.RemoteAddr}})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !s.guard.CheckTOTP(req.TOTPCode) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("failed TOTP verification")
		s.sink.Record(AuditEvent{Category: AuditAuth, Event: "totp-failed", Detail: map[string]any{"remote": r.RemoteAddr}})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	session, err := s.guard.CreateOperatorSession("operator")
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create session")
		writeError(w, http.StatusInternalServerError, "session creation failed")
		return
	}
	s.guard.SetSessionCookie(w, session)
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": session.CSRFToken})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session, err := s.guard.SessionFromRequest(r); err == nil {
		_ = s.guard.DeleteOperatorSession(session)
		s.registry.CloseBySession(session.ID, protocol.CloseAuthRevoked)
	}
	s.guard.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.tracker.Snapshot()})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	writeJSON(w, http.StatusOK, map[string]any{"commands": s.engine.List(agentID)})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.engine.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCommandOutput(w http.ResponseWriter, r *http.Request) {
	chunks, err := s.terminal.Replay(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "command outside the retention window")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.sink.Query(r.URL.Query().Get("category"), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("audit query failed")
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type submitCommandRequest struct {
	AgentID  string            `json:"agent_id"`
	Content  string            `json:"content"`
	Priority protocol.Priority `json:"priority"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "agent_id and content are required")
		return
	}

	session, _ := sessionFrom(r.Context())
	cmd, err := s.engine.Submit(req.AgentID, req.Content, req.Priority, session.UserID)
	if err != nil {
		s.rejectCommand(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, _ := sessionFrom(r.Context())
	if err := s.engine.Cancel(id, session.UserID); err != nil {
		s.rejectCommand(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterruptCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, _ := sessionFrom(r.Context())
	if err := s.engine.Interrupt(id, session.UserID); err != nil {
		s.rejectCommand(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	session, _ := sessionFrom(r.Context())

	if err := s.hub.SendToAgent(agentID, protocol.TypeAgentControl, protocol.AgentControlPayload{
		Action: protocol.ControlRestart,
		Reason: "operator restart",
	}); err != nil {
		writeError(w, http.StatusConflict, "agent unavailable")
		return
	}
	if err := s.tracker.RestartRequested(agentID); err != nil {
		s.log.Debug().Err(err).Str("agent", agentID).Msg("restart state change rejected")
	}
	s.sink.Record(AuditEvent{
		Category: AuditAgent,
		Event:    "restart-requested",
		ActorID:  session.UserID,
		AgentID:  agentID,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	report := s.engine.EmergencyStop(session.UserID)
	writeJSON(w, http.StatusOK, report)
}

// rejectCommand maps engine errors onto HTTP statuses. Every rejection names
// its reason.
func (s *Server) rejectCommand(w http.ResponseWriter, commandID string, err error) {
	status := http.StatusInternalServerError
	reason := "INTERNAL"
	switch {
	case errors.Is(err, ErrUnknownCommand):
		status, reason = http.StatusNotFound, "UNKNOWN_COMMAND"
	case errors.Is(err, ErrAgentUnavailable):
		status, reason = http.StatusConflict, "AGENT_UNAVAILABLE"
	case errors.Is(err, ErrQueueFull):
		status, reason = http.StatusConflict, "QUEUE_FULL"
	case errors.Is(err, ErrInvalidTransition):
		status, reason = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, ErrAgentUnresponsive):
		status, reason = http.StatusConflict, "AGENT_UNRESPONSIVE"
	}

	writeJSON(w, status, protocol.CommandRejectedPayload{
		CommandID: commandID,
		Reason:    reason,
		Detail:    err.Error(),
	})
	s.hub.Publish(Event{
		Type: protocol.TypeCommandRejected,
		Payload: protocol.CommandRejectedPayload{
			CommandID: commandID,
			Reason:    reason,
			Detail:    err.Error(),
		},
	})
}
