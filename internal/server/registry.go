package server

import (
	"sync"
	"time"

	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

// Role distinguishes the two connection kinds.
type Role string

const (
	RoleDashboard Role = "DASHBOARD"
	RoleAgent     Role = "AGENT"
)

// subscribeAll is the wildcard subscription covering every command.
const subscribeAll = "*"

// connSender is the outbound half of a connection. The hub's Client
// implements it; tests substitute a fake.
type connSender interface {
	// enqueue hands data to the connection's send buffer. Returns false if
	// the buffer is full (the message is skipped, never blocks).
	enqueue(data []byte) bool
	// shutdown closes the send path; the write pump tears the socket down.
	shutdown()
}

// Connection is one live transport socket, dashboard or agent. Owned
// exclusively by the Registry; other components look it up by id.
type Connection struct {
	ID            string
	Identity      string // user id for dashboards, agent id for agents
	Role          Role
	AgentID       string // bound agent id, set at agent registration
	SessionID     string // dashboard session backing this connection
	EstablishedAt time.Time

	// Guarded by the registry lock.
	lastHeartbeat time.Time
	subs          map[string]struct{}
	sender        connSender
}

// Registry tracks every live connection and its heartbeat. It enforces the
// one-live-connection-per-agent invariant by superseding: a second agent
// connection claiming the same id force-closes the first.
type Registry struct {
	log  zerolog.Logger
	sink *AuditSink

	mu     sync.RWMutex
	conns  map[string]*Connection
	agents map[string]*Connection // agent id -> live agent connection

	// onClose is invoked after a connection is removed, outside the lock,
	// so the agent tracker can react to connection loss.
	onClose func(c *Connection, reason protocol.CloseReason)
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger, sink *AuditSink) *Registry {
	return &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		sink:   sink,
		conns:  make(map[string]*Connection),
		agents: make(map[string]*Connection),
	}
}

// SetCloseHandler installs the connection-closed callback.
func (r *Registry) SetCloseHandler(fn func(c *Connection, reason protocol.CloseReason)) {
	r.onClose = fn
}

// Register adds a freshly authenticated connection.
func (r *Registry) Register(c *Connection, sender connSender) {
	now := time.Now()
	r.mu.Lock()
	c.EstablishedAt = now
	c.lastHeartbeat = now
	c.subs = make(map[string]struct{})
	c.sender = sender
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.log.Debug().Str("conn", c.ID).Str("role", string(c.Role)).Str("identity", c.Identity).Msg("connection registered")
	r.sink.Record(AuditEvent{
		Category: AuditConnection,
		Event:    "connection-opened",
		ActorID:  c.Identity,
		Detail:   map[string]any{"connection_id": c.ID, "role": string(c.Role)},
	})
}

// BindAgent binds an agent connection to an agent id. If another live
// connection already owns that id, the old one is force-closed first and the
// new one takes over, so command delivery never splits across two sockets.
func (r *Registry) BindAgent(connID, agentID string) (superseded bool) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	old := r.agents[agentID]
	if old != nil && old != c {
		delete(r.conns, old.ID)
		old.sender.shutdown()
		superseded = true
	}
	c.AgentID = agentID
	c.Identity = agentID
	r.agents[agentID] = c
	r.mu.Unlock()

	if superseded {
		r.log.Warn().Str("agent", agentID).Msg("superseded duplicate agent connection")
		r.sink.Record(AuditEvent{
			Category: AuditConnection,
			Event:    "connection-superseded",
			AgentID:  agentID,
			Detail:   map[string]any{"old_connection": old.ID, "new_connection": connID},
		})
		if r.onClose != nil {
			// The superseded connection no longer represents the agent;
			// report with its binding cleared so the tracker does not flip
			// the (still connected) agent offline.
			old.AgentID = ""
			r.onClose(old, protocol.CloseSuperseded)
		}
	}
	return superseded
}

// Heartbeat updates a connection's last-heartbeat timestamp. No-op for
// unknown connections: a beat racing its own close must never fail.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.lastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// Unregister removes a connection and reports the reason. Safe to call for
// already-removed connections.
func (r *Registry) Unregister(connID string, reason protocol.CloseReason) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if c.AgentID != "" && r.agents[c.AgentID] == c {
		delete(r.agents, c.AgentID)
	}
	c.sender.shutdown()
	r.mu.Unlock()

	r.log.Debug().Str("conn", connID).Str("reason", string(reason)).Msg("connection unregistered")
	r.sink.Record(AuditEvent{
		Category: AuditConnection,
		Event:    "connection-closed",
		ActorID:  c.Identity,
		AgentID:  c.AgentID,
		Detail:   map[string]any{"connection_id": connID, "reason": string(reason)},
	})
	if r.onClose != nil {
		r.onClose(c, reason)
	}
}

// Subscribe adds a command id (or "*") to a dashboard's output subscriptions.
func (r *Registry) Subscribe(connID, commandID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.subs[commandID] = struct{}{}
	}
	r.mu.Unlock()
}

// Unsubscribe removes a subscription.
func (r *Registry) Unsubscribe(connID, commandID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		delete(c.subs, commandID)
	}
	r.mu.Unlock()
}

// Sweep unregisters every connection whose last heartbeat is older than the
// timeout. Returns the evicted connection ids. Collects under the read lock,
// evicts one by one, so the registry is never held for a full pass.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	var stale []string
	for id, c := range r.conns {
		if now.Sub(c.lastHeartbeat) > timeout {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.log.Info().Str("conn", id).Msg("heartbeat timeout, evicting connection")
		r.Unregister(id, protocol.CloseTimeout)
	}
	return stale
}

// Get looks up a connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// AgentConn returns the live connection bound to an agent id, if any.
func (r *Registry) AgentConn(agentID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// SendToAgent enqueues an encoded message to an agent's connection.
func (r *Registry) SendToAgent(agentID string, data []byte) error {
	r.mu.RLock()
	c := r.agents[agentID]
	r.mu.RUnlock()
	if c == nil {
		return ErrAgentUnavailable
	}
	if !c.sender.enqueue(data) {
		return ErrAgentUnresponsive
	}
	return nil
}

// fanout delivers data to every dashboard connection whose subscriptions
// match commandID (empty commandID means unconditional). Best-effort per
// connection: a full send buffer skips that connection only.
func (r *Registry) fanout(data []byte, commandID string) (delivered, skipped int) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Role != RoleDashboard {
			continue
		}
		if commandID != "" {
			_, all := c.subs[subscribeAll]
			_, one := c.subs[commandID]
			if !all && !one {
				continue
			}
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if c.sender.enqueue(data) {
			delivered++
		} else {
			skipped++
		}
	}
	return delivered, skipped
}

// CloseBySession force-closes every dashboard connection backed by the given
// session id. Used when the guard invalidates sessions.
func (r *Registry) CloseBySession(sessionID string, reason protocol.CloseReason) {
	r.mu.RLock()
	var victims []string
	for id, c := range r.conns {
		if c.SessionID == sessionID {
			victims = append(victims, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range victims {
		r.Unregister(id, reason)
	}
}

// CloseAll unregisters everything, used at shutdown.
func (r *Registry) CloseAll(reason protocol.CloseReason) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id, reason)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
