package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Consecutive failed enqueues before a connection is considered
	// persistently unresponsive and evicted.
	maxSendDrops = 32

	// Slack over the payload cap so oversized messages can be read and
	// rejected without dropping the connection.
	readLimitSlack = 64 * 1024
)

// Event is a state change headed for every dashboard connection.
// TERMINAL_STREAM events carry a CommandID and are routed by subscription;
// everything else goes to every dashboard unconditionally.
type Event struct {
	Type      string
	CommandID string
	Payload   any
}

// Client is one WebSocket connection (agent or dashboard).
type Client struct {
	conn     *websocket.Conn
	connID   string
	role     Role
	identity string
	hub      *Hub

	mu    sync.Mutex
	send  chan []byte
	shut  bool
	drops int
}

// enqueue hands data to the client's send buffer without blocking. A slow
// connection must never stall delivery to others; persistent failure evicts
// the connection.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.drops = 0
		c.mu.Unlock()
		return true
	default:
		c.drops++
		evict := c.drops >= maxSendDrops
		c.mu.Unlock()
		if evict {
			// Async: enqueue may run under the registry read lock.
			go c.hub.registry.Unregister(c.connID, protocol.CloseUnresponsive)
		}
		return false
	}
}

// shutdown closes the send path; the write pump tears the socket down.
func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.shut {
		c.shut = true
		close(c.send)
	}
	c.mu.Unlock()
}

type clientMessage struct {
	client  *Client
	message *protocol.Message
}

// Hub owns the WebSocket traffic: it runs the per-connection pumps, routes
// decoded messages to the registries and the command engine, and implements
// the broadcast/fanout router.
type Hub struct {
	log      zerolog.Logger
	cfg      *Config
	registry *Registry
	tracker  *Tracker
	engine   *Engine
	terminal *Multiplexer
	guard    *Guard
	sink     *AuditSink

	inbound chan *clientMessage
}

// NewHub wires the hub to the core components and installs the cross-
// component hooks: broadcast publishing, agent sending, connection-loss
// propagation, and session force-closing.
func NewHub(cfg *Config, log zerolog.Logger, registry *Registry, tracker *Tracker, engine *Engine, terminal *Multiplexer, guard *Guard, sink *AuditSink) *Hub {
	h := &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		cfg:      cfg,
		registry: registry,
		tracker:  tracker,
		engine:   engine,
		terminal: terminal,
		guard:    guard,
		sink:     sink,
		inbound:  make(chan *clientMessage, 256),
	}

	tracker.SetPublisher(h.Publish)
	engine.SetPublisher(h.Publish)
	engine.SetAgentSender(h.SendToAgent)
	registry.SetCloseHandler(func(c *Connection, reason protocol.CloseReason) {
		if c.AgentID != "" {
			h.tracker.ConnectionLost(c.AgentID)
			h.engine.ConnectionLost(c.AgentID)
		}
	})
	guard.SetForceCloser(func(sessionID string, reason protocol.CloseReason) {
		h.registry.CloseBySession(sessionID, reason)
	})
	return h
}

// Run processes inbound messages until the context is cancelled. A single
// loop keeps subscribe-replay and live output for the same command ordered.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.inbound:
			h.handleMessage(msg.client, msg.message)
		}
	}
}

// Publish delivers a state-change event to dashboard connections, best
// effort per connection.
func (h *Hub) Publish(ev Event) {
	msg, err := protocol.NewMessage(ev.Type, ev.Payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("failed to build event")
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	_, skipped := h.registry.fanout(data, ev.CommandID)
	if skipped > 0 {
		h.log.Debug().Str("type", ev.Type).Int("skipped", skipped).Msg("slow dashboard connections skipped")
	}
}

// SendToAgent encodes and enqueues a message to an agent's connection.
func (h *Hub) SendToAgent(agentID, msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return h.registry.SendToAgent(agentID, data)
}

// Attach registers an authenticated connection and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn, connID string, role Role, identity, sessionID string) {
	client := &Client{
		conn:     conn,
		connID:   connID,
		role:     role,
		identity: identity,
		hub:      h,
		send:     make(chan []byte, 256),
	}
	h.registry.Register(&Connection{
		ID:        connID,
		Identity:  identity,
		Role:      role,
		SessionID: sessionID,
	}, client)

	go client.writePump()
	go client.readPump()
}

// rateExempt marks the agent data path. Output streaming and lifecycle
// reports are driven by the command the server itself dispatched; dropping
// them would wedge the command's queue, so the abuse limiter never applies.
// Registration is exempt too: before it, every agent shares one identity,
// and a fleet reconnecting at once must not block itself.
func rateExempt(role Role, msgType string) bool {
	if role != RoleAgent {
		return false
	}
	switch msgType {
	case protocol.TypeAgentRegister, protocol.TypeTerminalStream,
		protocol.TypeCommandStatus, protocol.TypeAgentStatus,
		protocol.TypeHeartbeat:
		return true
	}
	return false
}

// handleMessage routes one decoded message. Per-entity errors are isolated
// and reported back to the originator only.
func (h *Hub) handleMessage(c *Client, msg *protocol.Message) {
	if !rateExempt(c.role, msg.Type) && !h.guard.CheckRate(c.identity) {
		h.guard.DetectSuspicious(c.identity, "rate-limit")
		h.sendError(c, "RATE_LIMITED", "message rate exceeded, identity in cooldown")
		return
	}

	// Any inbound traffic counts as liveness.
	h.registry.Heartbeat(c.connID)

	switch msg.Type {
	case protocol.TypeAgentRegister:
		h.handleAgentRegister(c, msg)
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(c, msg)
	case protocol.TypeAgentStatus:
		h.handleAgentStatus(c, msg)
	case protocol.TypeCommandStatus:
		h.handleCommandStatus(c, msg)
	case protocol.TypeTerminalStream:
		h.handleTerminalStream(c, msg)
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		h.handleSubscription(c, msg)
	default:
		h.guard.DetectSuspicious(c.identity, "unexpected-message")
		h.sendError(c, "UNEXPECTED_MESSAGE", "message type not valid for this connection")
	}
}

func (h *Hub) handleAgentRegister(c *Client, msg *protocol.Message) {
	if c.role != RoleAgent {
		h.guard.DetectSuspicious(c.identity, "role-violation")
		h.sendError(c, "UNEXPECTED_MESSAGE", "dashboard connections cannot register as agents")
		return
	}
	var payload protocol.AgentRegisterPayload
	if err := msg.ParsePayload(&payload); err != nil || payload.AgentID == "" {
		h.sendError(c, "BAD_PAYLOAD", "invalid registration payload")
		return
	}

	h.tracker.Connecting(payload.AgentID, payload.AgentType, payload.AgentVersion, Capabilities{
		MaxTokens:         payload.MaxTokens,
		SupportsInterrupt: payload.SupportsInterrupt,
		SupportsTrace:     payload.SupportsTrace,
	})
	h.registry.BindAgent(c.connID, payload.AgentID)
	c.identity = payload.AgentID

	if err := h.sendTo(c, protocol.TypeRegistered, protocol.RegisteredPayload{AgentID: payload.AgentID}); err != nil {
		h.log.Error().Err(err).Str("agent", payload.AgentID).Msg("failed to confirm registration")
		return
	}
	h.tracker.Online(payload.AgentID)
	h.engine.TryDispatch(payload.AgentID)

	h.log.Info().
		Str("agent", payload.AgentID).
		Str("type", payload.AgentType).
		Str("version", payload.AgentVersion).
		Msg("agent registered")
}

func (h *Hub) handleHeartbeat(c *Client, msg *protocol.Message) {
	agentID := h.boundAgent(c)
	if agentID == "" {
		return
	}
	h.tracker.Touch(agentID)

	var payload protocol.HeartbeatPayload
	if err := msg.ParsePayload(&payload); err == nil && payload.Health != nil {
		h.log.Debug().
			Str("agent", agentID).
			Float64("cpu", payload.Health.CPUUsage).
			Float64("mem", payload.Health.MemoryUsage).
			Msg("heartbeat")
	}
}

func (h *Hub) handleAgentStatus(c *Client, msg *protocol.Message) {
	agentID := h.boundAgent(c)
	if agentID == "" {
		return
	}
	var payload protocol.AgentStatusPayload
	if err := msg.ParsePayload(&payload); err != nil {
		h.sendError(c, "BAD_PAYLOAD", "invalid status payload")
		return
	}

	if payload.Status == protocol.AgentStopping || payload.Status == protocol.AgentStopped {
		h.engine.AckStop(agentID)
	}

	if err := h.tracker.ReportStatus(agentID, payload.Status, payload.Activity, payload.LastError); err != nil {
		h.log.Debug().Err(err).Str("agent", agentID).Msg("status report dropped")
		return
	}

	if status, activity, _ := h.tracker.Status(agentID); status == protocol.AgentOnline && activity == protocol.ActivityIdle {
		h.engine.TryDispatch(agentID)
	}
}

func (h *Hub) handleCommandStatus(c *Client, msg *protocol.Message) {
	if h.boundAgent(c) == "" {
		return
	}
	var payload protocol.CommandStatusPayload
	if err := msg.ParsePayload(&payload); err != nil {
		h.sendError(c, "BAD_PAYLOAD", "invalid command status payload")
		return
	}
	if err := h.engine.ReportStatus(payload.CommandID, payload.Status, payload.ExitCode, payload.Error); err != nil {
		// Dropped and audited; not propagated back to the agent.
		h.log.Debug().Err(err).Str("command", payload.CommandID).Msg("command status dropped")
	}
}

func (h *Hub) handleTerminalStream(c *Client, msg *protocol.Message) {
	agentID := h.boundAgent(c)
	if agentID == "" {
		return
	}
	var payload protocol.TerminalStreamPayload
	if err := msg.ParsePayload(&payload); err != nil {
		h.sendError(c, "BAD_PAYLOAD", "invalid terminal payload")
		return
	}

	chunk, err := h.terminal.Append(payload.CommandID, payload.Stream, payload.Content)
	if err != nil {
		h.sendError(c, "UNKNOWN_COMMAND", "output for a command outside the retention window")
		return
	}
	h.engine.AddOutputBytes(payload.CommandID, len(payload.Content))

	h.Publish(Event{
		Type:      protocol.TypeTerminalStream,
		CommandID: chunk.CommandID,
		Payload: protocol.TerminalStreamPayload{
			CommandID: chunk.CommandID,
			AgentID:   chunk.AgentID,
			Stream:    chunk.Stream,
			Content:   chunk.Content,
			Seq:       chunk.Seq,
			AnsiCodes: payload.AnsiCodes,
		},
	})
}

// handleSubscription adjusts a dashboard's output subscriptions. On
// subscribe, the ring buffer is replayed to the new subscriber before any
// live chunk; both paths run on the hub loop, so order holds.
func (h *Hub) handleSubscription(c *Client, msg *protocol.Message) {
	if c.role != RoleDashboard {
		h.guard.DetectSuspicious(c.identity, "role-violation")
		return
	}
	var payload protocol.SubscribePayload
	if err := msg.ParsePayload(&payload); err != nil || payload.CommandID == "" {
		h.sendError(c, "BAD_PAYLOAD", "invalid subscription payload")
		return
	}

	if msg.Type == protocol.TypeUnsubscribe {
		h.registry.Unsubscribe(c.connID, payload.CommandID)
		return
	}

	if payload.CommandID != subscribeAll {
		chunks, err := h.terminal.Replay(payload.CommandID)
		if err != nil {
			h.sendError(c, "UNKNOWN_COMMAND", "command outside the retention window")
			return
		}
		for _, chunk := range chunks {
			h.replayTo(c, chunk)
		}
	}
	h.registry.Subscribe(c.connID, payload.CommandID)
}

func (h *Hub) replayTo(c *Client, chunk Chunk) {
	msg, err := protocol.NewMessage(protocol.TypeTerminalStream, protocol.TerminalStreamPayload{
		CommandID: chunk.CommandID,
		AgentID:   chunk.AgentID,
		Stream:    chunk.Stream,
		Content:   chunk.Content,
		Seq:       chunk.Seq,
	})
	if err != nil {
		return
	}
	if data, err := msg.Encode(); err == nil {
		c.enqueue(data)
	}
}

// boundAgent returns the agent id bound to an agent connection, or "" (with
// a suspicious-activity mark for non-agent senders).
func (h *Hub) boundAgent(c *Client) string {
	if c.role != RoleAgent {
		h.guard.DetectSuspicious(c.identity, "role-violation")
		return ""
	}
	conn, ok := h.registry.Get(c.connID)
	if !ok || conn.AgentID == "" {
		return ""
	}
	return conn.AgentID
}

func (h *Hub) sendTo(c *Client, msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		return ErrAgentUnresponsive
	}
	return nil
}

// sendError reports a rejected operation to the originating connection.
// Rejections are never silent.
func (h *Hub) sendError(c *Client, reason, detail string) {
	_ = h.sendTo(c, protocol.TypeError, protocol.ErrorPayload{Reason: reason, Detail: detail})
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.registry.Unregister(c.connID, protocol.CloseClient)
		_ = c.conn.Close()
	}()

	pongWait := c.hub.cfg.HeartbeatTimeout
	c.conn.SetReadLimit(protocol.MaxPayloadBytes + readLimitSlack)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.registry.Heartbeat(c.connID)
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("conn", c.connID).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if len(data) > protocol.MaxPayloadBytes {
			// Oversized messages are rejected; the connection stays up.
			c.hub.sendError(c, "PAYLOAD_TOO_LARGE", "message exceeds the 1 MiB cap")
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.hub.log.Warn().Err(err).Str("conn", c.connID).Msg("dropping malformed message")
			c.hub.sendError(c, "BAD_MESSAGE", err.Error())
			continue
		}

		select {
		case c.hub.inbound <- &clientMessage{client: c, message: msg}:
		default:
			c.hub.log.Warn().Str("conn", c.connID).Msg("inbound queue full, message dropped")
		}
	}
}

// writePump pumps messages to the WebSocket connection and keeps the
// transport-level ping/pong alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
