package server

import "errors"

// Error taxonomy for the coordination core. Errors local to one connection,
// command, or agent are reported to the originator only and never crash the
// shared registries.
var (
	// ErrAuthFailed covers bad, expired, and blacklisted tokens. The
	// connection is rejected before registration.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited means an identity exceeded its message budget and is
	// in cooldown.
	ErrRateLimited = errors.New("rate limited")

	// ErrAgentUnavailable means a submit, cancel, or control targeted an
	// agent that is not ONLINE.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrInvalidTransition means a command or agent state change violates
	// the state machine. Dropped and logged, never fatal.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownCommand means an output chunk or control referenced a
	// command id outside the retention window.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrAgentUnresponsive means an agent did not acknowledge a stop or
	// interrupt within the bounded timeout.
	ErrAgentUnresponsive = errors.New("agent unresponsive")

	// ErrQueueFull means an agent's queue reached its configured capacity.
	ErrQueueFull = errors.New("queue full")
)
