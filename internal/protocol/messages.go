// Package protocol defines the WebSocket message types shared between the
// agentdeck server, remote agents, and dashboard clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes is the per-message payload cap. Oversized messages are
// rejected with an error notice; the connection stays up.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Message is the envelope for all WebSocket messages, in both directions.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage creates a message with a fresh id and the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (agent → server)
const (
	TypeAgentRegister  = "agent_register"
	TypeAgentStatus    = "agent_status"
	TypeCommandStatus  = "command_status"
	TypeTerminalStream = "terminal_stream"
	TypeHeartbeat      = "heartbeat"
)

// Message types (server → agent)
const (
	TypeRegistered   = "registered"
	TypeCommand      = "command"
	TypeAgentControl = "agent_control"
)

// Message types (dashboard → server)
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Message types (server → dashboard)
const (
	TypeEmergencyStop   = "emergency_stop"
	TypeCommandRejected = "command_rejected"
	TypeError           = "error"
)

// KnownType reports whether msgType is part of the closed message set.
func KnownType(msgType string) bool {
	switch msgType {
	case TypeAgentRegister, TypeAgentStatus, TypeCommandStatus,
		TypeTerminalStream, TypeHeartbeat,
		TypeRegistered, TypeCommand, TypeAgentControl,
		TypeSubscribe, TypeUnsubscribe,
		TypeEmergencyStop, TypeCommandRejected, TypeError:
		return true
	}
	return false
}

// AgentStatus is the connection-level status of an agent.
type AgentStatus string

const (
	AgentOffline    AgentStatus = "OFFLINE"
	AgentConnecting AgentStatus = "CONNECTING"
	AgentOnline     AgentStatus = "ONLINE"
	AgentError      AgentStatus = "ERROR"
	AgentStopping   AgentStatus = "STOPPING"
	AgentStopped    AgentStatus = "STOPPED"
)

// ActivityState is the work axis of an agent, meaningful while ONLINE.
type ActivityState string

const (
	ActivityIdle         ActivityState = "IDLE"
	ActivityProcessing   ActivityState = "PROCESSING"
	ActivityStopping     ActivityState = "STOPPING"
	ActivityUnresponsive ActivityState = "UNRESPONSIVE"
)

// CommandStatus is a command's position in its lifecycle.
type CommandStatus string

const (
	CommandQueued      CommandStatus = "QUEUED"
	CommandExecuting   CommandStatus = "EXECUTING"
	CommandCompleted   CommandStatus = "COMPLETED"
	CommandFailed      CommandStatus = "FAILED"
	CommandCancelled   CommandStatus = "CANCELLED"
	CommandStopped     CommandStatus = "STOPPED"
	CommandInterrupted CommandStatus = "INTERRUPTED"
)

// Terminal reports whether the status is final. Terminal commands accept no
// further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandCancelled, CommandStopped, CommandInterrupted:
		return true
	}
	return false
}

// Priority orders commands in an agent's queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank returns the dispatch precedence of a priority, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// StreamType classifies a terminal output chunk.
type StreamType string

const (
	StreamStdout      StreamType = "STDOUT"
	StreamStderr      StreamType = "STDERR"
	StreamSystem      StreamType = "SYSTEM"
	StreamCommandEcho StreamType = "COMMAND_ECHO"
)

// ControlAction is a server-initiated agent control verb.
type ControlAction string

const (
	ControlStop      ControlAction = "STOP"
	ControlRestart   ControlAction = "RESTART"
	ControlInterrupt ControlAction = "INTERRUPT"
)

// CloseReason explains why a connection was unregistered.
type CloseReason string

const (
	CloseClient       CloseReason = "CLIENT_CLOSE"
	CloseTimeout      CloseReason = "TIMEOUT"
	CloseAuthRevoked  CloseReason = "AUTH_REVOKED"
	CloseSuperseded   CloseReason = "SUPERSEDED"
	CloseShutdown     CloseReason = "SERVER_SHUTDOWN"
	CloseUnresponsive CloseReason = "UNRESPONSIVE"
)

// AgentRegisterPayload is sent by an agent on connect to bind its identity.
type AgentRegisterPayload struct {
	AgentID           string `json:"agent_id"`
	AgentType         string `json:"agent_type"` // e.g. CLAUDE, GEMINI, CODEX; opaque to the server
	AgentVersion      string `json:"agent_version"`
	MaxTokens         int    `json:"max_tokens,omitempty"`
	SupportsInterrupt bool   `json:"supports_interrupt"`
	SupportsTrace     bool   `json:"supports_trace"`
	HeartbeatInterval int    `json:"heartbeat_interval"` // seconds
}

// RegisteredPayload is sent by the server to confirm registration.
type RegisteredPayload struct {
	AgentID string `json:"agent_id"`
}

// HealthMetrics carries agent-reported health figures.
type HealthMetrics struct {
	CPUUsage    float64 `json:"cpu_usage"`    // percentage 0-100
	MemoryUsage float64 `json:"memory_usage"` // MiB in use
	Uptime      int64   `json:"uptime"`       // seconds since agent start
}

// AgentStatusPayload is sent by an agent to report its state.
type AgentStatusPayload struct {
	AgentID   string         `json:"agent_id"`
	Status    AgentStatus    `json:"status"`
	Activity  ActivityState  `json:"activity_state"`
	Health    *HealthMetrics `json:"health_metrics,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// HeartbeatPayload is sent periodically by an agent.
type HeartbeatPayload struct {
	Health *HealthMetrics `json:"health_metrics,omitempty"`
}

// CommandProgress is an optional in-flight progress report.
type CommandProgress struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// CommandStatusPayload is sent by an agent to report a command transition.
type CommandStatusPayload struct {
	CommandID string           `json:"command_id"`
	Status    CommandStatus    `json:"status"`
	Progress  *CommandProgress `json:"progress,omitempty"`
	ExitCode  *int             `json:"exit_code,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// TerminalStreamPayload carries one chunk of command output.
type TerminalStreamPayload struct {
	CommandID string     `json:"command_id"`
	AgentID   string     `json:"agent_id"`
	Stream    StreamType `json:"stream_type"`
	Content   string     `json:"content"`
	Seq       uint64     `json:"seq"` // assigned by the server, monotonic per command
	AnsiCodes bool       `json:"ansi_codes"`
}

// CommandPayload dispatches a command to an agent.
type CommandPayload struct {
	CommandID string   `json:"command_id"`
	Content   string   `json:"content"`
	Priority  Priority `json:"priority"`
}

// CommandRejectedPayload reports a command the server refused to queue or run.
type CommandRejectedPayload struct {
	CommandID string `json:"command_id,omitempty"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

// AgentControlPayload instructs an agent to stop, restart, or interrupt.
type AgentControlPayload struct {
	Action    ControlAction `json:"action"`
	Reason    string        `json:"reason,omitempty"`
	CommandID string        `json:"command_id,omitempty"` // set for INTERRUPT
}

// StopFailure names an agent that did not acknowledge an emergency stop.
type StopFailure struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// EmergencyStopPayload is the broadcast result of an emergency stop.
type EmergencyStopPayload struct {
	StoppedCommands []string      `json:"stopped_commands"`
	AffectedAgents  []string      `json:"affected_agents"`
	Failures        []StopFailure `json:"failures"`
	InitiatedBy     string        `json:"initiated_by"`
}

// SubscribePayload selects the command whose output a dashboard wants.
// CommandID "*" subscribes to all commands.
type SubscribePayload struct {
	CommandID string `json:"command_id"`
}

// ErrorPayload is sent to the originating connection when an operation is
// rejected. Reason codes let clients distinguish failure classes.
type ErrorPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Decode parses raw bytes into a Message and validates the type against the
// closed set, so the rest of the server never routes on free-form strings.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if !KnownType(msg.Type) {
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

// Encode marshals a message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
