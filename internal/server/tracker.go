package server

import (
	"database/sql"
	"sync"
	"time"

	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

// Capabilities are the flags an agent declares at registration.
type Capabilities struct {
	MaxTokens         int  `json:"max_tokens,omitempty"`
	SupportsInterrupt bool `json:"supports_interrupt"`
	SupportsTrace     bool `json:"supports_trace"`
}

// Agent is the canonical record for one remote agent identity. Created on
// first connection attempt, soft-retained forever (historical commands
// reference it).
type Agent struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Version      string                 `json:"version"`
	Status       protocol.AgentStatus   `json:"status"`
	Activity     protocol.ActivityState `json:"activity_state"`
	LastSeen     time.Time              `json:"last_seen"`
	LastError    string                 `json:"last_error,omitempty"`
	Capabilities Capabilities           `json:"capabilities"`
}

// Tracker maintains agent status and activity, driven by registry events,
// explicit AGENT_STATUS messages, and command engine events. Every transition
// is published to dashboards and mirrored to the audit sink.
type Tracker struct {
	log  zerolog.Logger
	sink *AuditSink
	db   *sql.DB

	mu     sync.RWMutex
	agents map[string]*Agent

	publish func(Event)
}

// NewTracker creates an empty tracker.
func NewTracker(log zerolog.Logger, db *sql.DB, sink *AuditSink) *Tracker {
	return &Tracker{
		log:    log.With().Str("component", "tracker").Logger(),
		sink:   sink,
		db:     db,
		agents: make(map[string]*Agent),
		publish: func(Event) {},
	}
}

// SetPublisher installs the broadcast hook. Must be called before traffic.
func (t *Tracker) SetPublisher(fn func(Event)) { t.publish = fn }

// validAgentTransition encodes the agent status machine. Connection loss
// while STOPPING is not a valid move to OFFLINE: stopping resolves to
// STOPPED or ERROR so operators can tell "vanished" from "complied".
func validAgentTransition(from, to protocol.AgentStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case protocol.AgentOffline:
		return to == protocol.AgentConnecting
	case protocol.AgentConnecting:
		return to == protocol.AgentOnline || to == protocol.AgentError || to == protocol.AgentOffline
	case protocol.AgentOnline:
		return to == protocol.AgentError || to == protocol.AgentStopping || to == protocol.AgentOffline
	case protocol.AgentError:
		return to == protocol.AgentOnline || to == protocol.AgentStopping || to == protocol.AgentOffline
	case protocol.AgentStopping:
		return to == protocol.AgentStopped || to == protocol.AgentError
	case protocol.AgentStopped:
		return to == protocol.AgentConnecting || to == protocol.AgentOffline
	}
	return false
}

// Connecting ensures the agent record exists and moves it toward CONNECTING.
// Called when an agent connection authenticates, before registration
// completes.
func (t *Tracker) Connecting(agentID, agentType, version string, caps Capabilities) {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		a = &Agent{
			ID:       agentID,
			Status:   protocol.AgentOffline,
			Activity: protocol.ActivityIdle,
		}
		t.agents[agentID] = a
	}
	a.Type = agentType
	a.Version = version
	a.Capabilities = caps
	a.LastSeen = time.Now()
	changed := t.transitionLocked(a, protocol.AgentConnecting)
	t.mu.Unlock()

	if changed {
		t.announce(agentID)
	}
}

// Online marks a registered agent ONLINE with IDLE activity.
func (t *Tracker) Online(agentID string) {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	a.LastSeen = time.Now()
	changed := t.transitionLocked(a, protocol.AgentOnline)
	if changed {
		a.Activity = protocol.ActivityIdle
		a.LastError = ""
	}
	t.mu.Unlock()

	if changed {
		t.announce(agentID)
	}
}

// ReportStatus applies an explicit AGENT_STATUS message. Invalid transitions
// are dropped with an audit entry; the agent's prior state is unchanged.
func (t *Tracker) ReportStatus(agentID string, status protocol.AgentStatus, activity protocol.ActivityState, lastError string) error {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return ErrAgentUnavailable
	}
	a.LastSeen = time.Now()

	if status != "" && status != a.Status {
		if !t.transitionLocked(a, status) {
			from := a.Status
			t.mu.Unlock()
			t.sink.Record(AuditEvent{
				Category: AuditAgent,
				Event:    "invalid-transition",
				AgentID:  agentID,
				Detail:   map[string]any{"from": string(from), "to": string(status)},
			})
			return ErrInvalidTransition
		}
	}
	if activity != "" {
		a.Activity = activity
	}
	if lastError != "" {
		a.LastError = lastError
	}
	t.mu.Unlock()

	t.announce(agentID)
	return nil
}

// Touch updates last-seen on a heartbeat.
func (t *Tracker) Touch(agentID string) {
	t.mu.Lock()
	if a, ok := t.agents[agentID]; ok {
		a.LastSeen = time.Now()
	}
	t.mu.Unlock()
}

// ConnectionLost flips the agent OFFLINE unless it is STOPPING; a stop in
// flight keeps precedence over the disconnect.
func (t *Tracker) ConnectionLost(agentID string) {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok || a.Status == protocol.AgentStopping {
		t.mu.Unlock()
		return
	}
	changed := false
	if a.Status != protocol.AgentOffline {
		a.Status = protocol.AgentOffline
		a.Activity = protocol.ActivityIdle
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.announce(agentID)
	}
}

// SetActivity updates the activity axis, driven by the command engine
// (dispatch → PROCESSING, queue drained → IDLE).
func (t *Tracker) SetActivity(agentID string, activity protocol.ActivityState) {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	changed := ok && a.Activity != activity
	if changed {
		a.Activity = activity
	}
	t.mu.Unlock()

	if changed {
		t.announce(agentID)
	}
}

// MarkStopping puts an agent on the emergency-stop branch regardless of its
// prior activity.
func (t *Tracker) MarkStopping(agentID string) {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	changed := t.transitionLocked(a, protocol.AgentStopping)
	if changed {
		a.Activity = protocol.ActivityStopping
	}
	t.mu.Unlock()

	if changed {
		t.announce(agentID)
	}
}

// MarkStopped records that an agent acknowledged the stop.
func (t *Tracker) MarkStopped(agentID string) {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	changed := t.transitionLocked(a, protocol.AgentStopped)
	if changed {
		a.Activity = protocol.ActivityIdle
	}
	t.mu.Unlock()

	if changed {
		t.announce(agentID)
	}
}

// MarkUnresponsive records a stop-acknowledgment timeout. The agent resolves
// to ERROR with UNRESPONSIVE activity, never silently to stopped.
func (t *Tracker) MarkUnresponsive(agentID string) {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.transitionLocked(a, protocol.AgentError)
	a.Activity = protocol.ActivityUnresponsive
	a.LastError = "did not acknowledge stop signal"
	t.mu.Unlock()

	t.announce(agentID)
}

// RestartRequested moves a STOPPED agent back toward CONNECTING.
func (t *Tracker) RestartRequested(agentID string) error {
	t.mu.Lock()
	a, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return ErrAgentUnavailable
	}
	changed := t.transitionLocked(a, protocol.AgentConnecting)
	t.mu.Unlock()

	if !changed {
		return ErrInvalidTransition
	}
	t.announce(agentID)
	return nil
}

// Status returns the current status and activity of an agent.
func (t *Tracker) Status(agentID string) (protocol.AgentStatus, protocol.ActivityState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[agentID]
	if !ok {
		return protocol.AgentOffline, protocol.ActivityIdle, false
	}
	return a.Status, a.Activity, true
}

// Get returns a copy of the agent record.
func (t *Tracker) Get(agentID string) (Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Snapshot returns copies of all agent records.
func (t *Tracker) Snapshot() []Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, *a)
	}
	return out
}

// ResetAll marks every agent OFFLINE. Run at server startup so stale
// "online" rows from a previous instance never survive a restart.
func (t *Tracker) ResetAll() {
	if t.db == nil {
		return
	}
	result, err := t.db.Exec(`UPDATE agents SET status = 'OFFLINE', activity = 'IDLE' WHERE status != 'OFFLINE'`)
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to reset agent status on startup")
		return
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		t.log.Info().Int64("count", rows).Msg("marked agents offline on startup")
	}
}

// transitionLocked applies a status change if the machine allows it.
// Caller holds t.mu.
func (t *Tracker) transitionLocked(a *Agent, to protocol.AgentStatus) bool {
	if !validAgentTransition(a.Status, to) {
		t.log.Debug().
			Str("agent", a.ID).
			Str("from", string(a.Status)).
			Str("to", string(to)).
			Msg("agent transition rejected")
		return false
	}
	t.log.Info().
		Str("agent", a.ID).
		Str("from", string(a.Status)).
		Str("to", string(to)).
		Msg("agent status")
	a.Status = to
	return true
}

// announce publishes the agent's current state to dashboards, mirrors it to
// the audit sink, and upserts the database record.
func (t *Tracker) announce(agentID string) {
	a, ok := t.Get(agentID)
	if !ok {
		return
	}

	t.publish(Event{
		Type: protocol.TypeAgentStatus,
		Payload: protocol.AgentStatusPayload{
			AgentID:   a.ID,
			Status:    a.Status,
			Activity:  a.Activity,
			LastError: a.LastError,
		},
	})
	t.sink.Record(AuditEvent{
		Category: AuditAgent,
		Event:    "agent-status",
		AgentID:  a.ID,
		Detail:   map[string]any{"status": string(a.Status), "activity": string(a.Activity)},
	})
	t.persist(a)
}

func (t *Tracker) persist(a Agent) {
	if t.db == nil {
		return
	}
	_, err := t.db.Exec(`
		INSERT INTO agents (id, agent_type, agent_version, status, activity, last_seen, last_error, max_tokens, supports_interrupt, supports_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_type = excluded.agent_type,
			agent_version = excluded.agent_version,
			status = excluded.status,
			activity = excluded.activity,
			last_seen = excluded.last_seen,
			last_error = excluded.last_error,
			max_tokens = excluded.max_tokens,
			supports_interrupt = excluded.supports_interrupt,
			supports_trace = excluded.supports_trace`,
		a.ID, a.Type, a.Version, string(a.Status), string(a.Activity), a.LastSeen,
		a.LastError, a.Capabilities.MaxTokens, a.Capabilities.SupportsInterrupt, a.Capabilities.SupportsTrace)
	if err != nil {
		t.log.Error().Err(err).Str("agent", a.ID).Msg("failed to upsert agent")
	}
}
