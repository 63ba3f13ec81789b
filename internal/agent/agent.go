// Package agent implements the agentdeck agent.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/agentdeck/internal/config"
	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

// Version is the agent version.
const Version = "1.0.0"

// Agent is the main agent struct that coordinates all components.
type Agent struct {
	cfg    *config.Config
	log    zerolog.Logger
	ws     *WebSocketClient
	runner *Runner
	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time

	mu         sync.RWMutex
	registered bool

	// restart is closed by a RESTART control message; Run returns so the
	// supervisor (systemd, launchd) can start a fresh process.
	restartOnce sync.Once
	restart     chan struct{}
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, log zerolog.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		restart:   make(chan struct{}),
	}
	a.runner = NewRunner(cfg, a.log, a)
	return a
}

// Run starts the agent and blocks until shutdown or a restart request.
func (a *Agent) Run() error {
	a.log.Info().
		Str("agent_id", a.cfg.AgentID).
		Str("agent_type", a.cfg.AgentType).
		Str("url", a.cfg.ServerURL).
		Msg("starting agent")

	a.ws = NewWebSocketClient(a.cfg, a.log, a)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.messageLoop()
	}()

	go func() {
		<-a.restart
		a.Shutdown()
	}()

	// Connection loop blocks until shutdown.
	a.ws.Run(a.ctx)

	wg.Wait()

	select {
	case <-a.restart:
		a.log.Info().Msg("agent exiting for restart")
		return ErrRestartRequested
	default:
	}
	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown initiates graceful shutdown: the running command is terminated
// and the connection is closed.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.runner.StopAll("agent shutdown")
	a.cancel()
	if a.ws != nil {
		if err := a.ws.Close(); err != nil {
			a.log.Debug().Err(err).Msg("error closing websocket")
		}
	}
}

// OnConnected is called when the WebSocket connects.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected to server")

	payload := protocol.AgentRegisterPayload{
		AgentID:           a.cfg.AgentID,
		AgentType:         a.cfg.AgentType,
		AgentVersion:      Version,
		SupportsInterrupt: true,
		HeartbeatInterval: int(a.cfg.HeartbeatInterval.Seconds()),
	}
	if err := a.ws.SendMessage(protocol.TypeAgentRegister, payload); err != nil {
		a.log.Error().Err(err).Msg("failed to send registration")
		return
	}
	a.log.Debug().Msg("registration sent")
}

// OnDisconnected is called when the WebSocket disconnects.
func (a *Agent) OnDisconnected() {
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	a.log.Warn().Msg("disconnected from server")
}

// OnMessage is called for each incoming message.
func (a *Agent) OnMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		var payload protocol.RegisteredPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse registered payload")
			return
		}
		a.mu.Lock()
		a.registered = true
		a.mu.Unlock()
		a.log.Info().Str("agent_id", payload.AgentID).Msg("registered with server")

		a.reportAgentStatus(protocol.AgentOnline, a.runner.Activity(), "")
		a.sendHeartbeat()

	case protocol.TypeCommand:
		var payload protocol.CommandPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse command payload")
			return
		}
		a.runner.Execute(payload)

	case protocol.TypeAgentControl:
		var payload protocol.AgentControlPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse control payload")
			return
		}
		a.handleControl(payload)

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := msg.ParsePayload(&payload); err == nil {
			a.log.Warn().Str("reason", payload.Reason).Str("detail", payload.Detail).Msg("server rejected a message")
		}

	default:
		a.log.Warn().Str("type", msg.Type).Msg("unexpected message type")
	}
}

// handleControl executes a server control verb.
func (a *Agent) handleControl(payload protocol.AgentControlPayload) {
	a.log.Info().
		Str("action", string(payload.Action)).
		Str("reason", payload.Reason).
		Msg("control message received")

	switch payload.Action {
	case protocol.ControlStop:
		a.reportAgentStatus(protocol.AgentStopping, protocol.ActivityStopping, "")
		a.runner.StopAll(payload.Reason)
		a.reportAgentStatus(protocol.AgentStopped, protocol.ActivityIdle, "")

	case protocol.ControlInterrupt:
		a.runner.Interrupt(payload.CommandID)

	case protocol.ControlRestart:
		a.restartOnce.Do(func() { close(a.restart) })

	default:
		a.log.Warn().Str("action", string(payload.Action)).Msg("unknown control action")
	}
}

// reportAgentStatus sends an agent_status message.
func (a *Agent) reportAgentStatus(status protocol.AgentStatus, activity protocol.ActivityState, lastError string) {
	payload := protocol.AgentStatusPayload{
		AgentID:   a.cfg.AgentID,
		Status:    status,
		Activity:  activity,
		LastError: lastError,
	}
	if err := a.ws.SendMessage(protocol.TypeAgentStatus, payload); err != nil {
		a.log.Debug().Err(err).Msg("failed to send status")
	}
}

// IsRegistered returns whether the agent is registered with the server.
func (a *Agent) IsRegistered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registered
}

// messageLoop handles incoming messages.
func (a *Agent) messageLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.ws.Messages():
			if msg != nil {
				a.OnMessage(msg)
			}
		}
	}
}
