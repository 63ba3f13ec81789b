package server

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

// Command is one submitted instruction, from QUEUED through a terminal state.
// Mutated only under its agent's queue lock.
type Command struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agent_id"`
	UserID      string                 `json:"user_id"`
	Content     string                 `json:"content"`
	Priority    protocol.Priority      `json:"priority"`
	Status      protocol.CommandStatus `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	ExitCode    *int                   `json:"exit_code,omitempty"`
	Error       string                 `json:"error,omitempty"`
	OutputBytes int64                  `json:"output_bytes"`
}

// CommandView is a command snapshot with its derived queue position
// (0 = executing or next to dispatch).
type CommandView struct {
	Command
	QueuePosition int `json:"queue_position"`
}

// StopReport is the structured outcome of an emergency stop. Partial failure
// is a first-class result, never an exception.
type StopReport struct {
	StoppedCommands []string               `json:"stopped_commands"`
	AffectedAgents  []string               `json:"affected_agents"`
	Failures        []protocol.StopFailure `json:"failures"`
}

// agentQueue serializes all command-state mutation for one agent. Buckets are
// indexed by priority rank; within a bucket, FIFO by submission.
type agentQueue struct {
	mu        sync.Mutex
	buckets   [4][]*Command
	executing *Command
}

func (q *agentQueue) queuedCount() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

// pop removes the head of the highest non-empty bucket.
func (q *agentQueue) pop() *Command {
	for rank := len(q.buckets) - 1; rank >= 0; rank-- {
		if len(q.buckets[rank]) > 0 {
			cmd := q.buckets[rank][0]
			q.buckets[rank] = q.buckets[rank][1:]
			return cmd
		}
	}
	return nil
}

// remove deletes a specific queued command from its bucket.
func (q *agentQueue) remove(cmd *Command) bool {
	rank := cmd.Priority.Rank()
	if rank < 0 {
		return false
	}
	for i, c := range q.buckets[rank] {
		if c == cmd {
			q.buckets[rank] = append(q.buckets[rank][:i], q.buckets[rank][i+1:]...)
			return true
		}
	}
	return false
}

// Engine is the command queue and lifecycle state machine. One agent executes
// at most one command at a time; dispatch takes the head of the highest
// non-empty priority bucket when the agent is ONLINE and IDLE. Per-agent
// locks keep unrelated agents from blocking each other.
type Engine struct {
	log      zerolog.Logger
	cfg      *Config
	tracker  *Tracker
	terminal *Multiplexer
	sink     *AuditSink
	db       *sql.DB

	mu       sync.RWMutex // guards the maps below, never held across a queue lock
	queues   map[string]*agentQueue
	commands map[string]*Command

	publish     func(Event)
	sendToAgent func(agentID, msgType string, payload any) error

	ackMu       sync.Mutex
	stopAcks    map[string]chan struct{} // agent id -> emergency-stop ack
	pendingAcks map[string]time.Time     // command id -> cancel/interrupt sent at
}

// NewEngine creates the command engine.
func NewEngine(cfg *Config, log zerolog.Logger, tracker *Tracker, terminal *Multiplexer, db *sql.DB, sink *AuditSink) *Engine {
	return &Engine{
		log:         log.With().Str("component", "engine").Logger(),
		cfg:         cfg,
		tracker:     tracker,
		terminal:    terminal,
		sink:        sink,
		db:          db,
		queues:      make(map[string]*agentQueue),
		commands:    make(map[string]*Command),
		publish:     func(Event) {},
		sendToAgent: func(string, string, any) error { return ErrAgentUnavailable },
		stopAcks:    make(map[string]chan struct{}),
		pendingAcks: make(map[string]time.Time),
	}
}

// SetPublisher installs the broadcast hook.
func (e *Engine) SetPublisher(fn func(Event)) { e.publish = fn }

// SetAgentSender installs the transport used to reach agents.
func (e *Engine) SetAgentSender(fn func(agentID, msgType string, payload any) error) {
	e.sendToAgent = fn
}

// validCommandTransition encodes the command state machine. Terminal states
// accept nothing.
func validCommandTransition(from, to protocol.CommandStatus) bool {
	switch from {
	case protocol.CommandQueued:
		return to == protocol.CommandExecuting || to == protocol.CommandCancelled || to == protocol.CommandStopped
	case protocol.CommandExecuting:
		return to == protocol.CommandCompleted || to == protocol.CommandFailed ||
			to == protocol.CommandCancelled || to == protocol.CommandStopped ||
			to == protocol.CommandInterrupted
	}
	return false
}

func (e *Engine) queue(agentID string) *agentQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[agentID]
	if !ok {
		q = &agentQueue{}
		e.queues[agentID] = q
	}
	return q
}

func (e *Engine) lookup(commandID string) (*Command, *agentQueue) {
	e.mu.RLock()
	cmd := e.commands[commandID]
	var q *agentQueue
	if cmd != nil {
		q = e.queues[cmd.AgentID]
	}
	e.mu.RUnlock()
	return cmd, q
}

// Submit queues a command for an agent. Submissions to agents that are not
// ONLINE are rejected, not silently buffered, so the caller can warn
// immediately.
func (e *Engine) Submit(agentID, content string, priority protocol.Priority, userID string) (*Command, error) {
	if !priority.Valid() {
		priority = protocol.PriorityNormal
	}

	status, _, known := e.tracker.Status(agentID)
	if !known || status != protocol.AgentOnline {
		return nil, ErrAgentUnavailable
	}

	q := e.queue(agentID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queuedCount() >= e.cfg.QueueCapacity {
		return nil, ErrQueueFull
	}

	cmd := &Command{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		UserID:    userID,
		Content:   content,
		Priority:  priority,
		Status:    protocol.CommandQueued,
		CreatedAt: time.Now(),
	}
	q.buckets[priority.Rank()] = append(q.buckets[priority.Rank()], cmd)

	e.mu.Lock()
	e.commands[cmd.ID] = cmd
	e.mu.Unlock()

	e.terminal.Open(cmd.ID, agentID)
	if chunk, err := e.terminal.Append(cmd.ID, protocol.StreamCommandEcho, content); err == nil {
		e.publishChunk(chunk)
	}

	e.persistInsert(cmd)
	e.sink.Record(AuditEvent{
		Category:  AuditCommand,
		Event:     "command-submitted",
		ActorID:   userID,
		AgentID:   agentID,
		CommandID: cmd.ID,
		Detail:    map[string]any{"priority": string(priority)},
	})
	e.publishStatus(cmd)

	e.maybeDispatchLocked(q, agentID)
	return cmd, nil
}

// maybeDispatchLocked starts the next queued command if the agent is free.
// Caller holds q.mu.
func (e *Engine) maybeDispatchLocked(q *agentQueue, agentID string) {
	if q.executing != nil {
		return
	}
	status, activity, _ := e.tracker.Status(agentID)
	if status != protocol.AgentOnline || activity != protocol.ActivityIdle {
		return
	}
	cmd := q.pop()
	if cmd == nil {
		return
	}

	now := time.Now()
	cmd.Status = protocol.CommandExecuting
	cmd.StartedAt = &now
	q.executing = cmd

	err := e.sendToAgent(agentID, protocol.TypeCommand, protocol.CommandPayload{
		CommandID: cmd.ID,
		Content:   cmd.Content,
		Priority:  cmd.Priority,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("command", cmd.ID).Str("agent", agentID).Msg("dispatch failed")
		q.executing = nil
		e.finalizeLocked(cmd, protocol.CommandFailed, nil, "dispatch failed: "+err.Error())
		return
	}

	e.log.Info().Str("command", cmd.ID).Str("agent", agentID).Str("priority", string(cmd.Priority)).Msg("command dispatched")
	e.tracker.SetActivity(agentID, protocol.ActivityProcessing)
	e.persistUpdate(cmd)
	e.sink.Record(AuditEvent{
		Category:  AuditCommand,
		Event:     "command-dispatched",
		AgentID:   agentID,
		CommandID: cmd.ID,
	})
	e.publishStatus(cmd)
}

// TryDispatch attempts a dispatch for an agent, called when the agent
// becomes ONLINE and IDLE again.
func (e *Engine) TryDispatch(agentID string) {
	q := e.queue(agentID)
	q.mu.Lock()
	defer q.mu.Unlock()
	e.maybeDispatchLocked(q, agentID)
}

// Cancel moves a QUEUED or EXECUTING command to CANCELLED. Optimistic-local:
// the state flips immediately; for an executing command a best-effort
// interrupt goes to the agent and a later acknowledgment is logged when it
// arrives.
func (e *Engine) Cancel(commandID, requestedBy string) error {
	cmd, q := e.lookup(commandID)
	if cmd == nil {
		return ErrUnknownCommand
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch cmd.Status {
	case protocol.CommandQueued:
		q.remove(cmd)
		e.finalizeLocked(cmd, protocol.CommandCancelled, nil, "cancelled by "+requestedBy)
		return nil

	case protocol.CommandExecuting:
		q.executing = nil
		e.finalizeLocked(cmd, protocol.CommandCancelled, nil, "cancelled by "+requestedBy)
		e.requestAbort(cmd, protocol.ControlInterrupt, "cancelled by "+requestedBy)
		return nil

	default:
		e.auditInvalid(cmd, protocol.CommandCancelled)
		return ErrInvalidTransition
	}
}

// Interrupt asks an executing agent to abort gracefully and report partial
// output. Distinct from cancellation; only valid while EXECUTING.
func (e *Engine) Interrupt(commandID, requestedBy string) error {
	cmd, q := e.lookup(commandID)
	if cmd == nil {
		return ErrUnknownCommand
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if cmd.Status != protocol.CommandExecuting {
		e.auditInvalid(cmd, protocol.CommandInterrupted)
		return ErrInvalidTransition
	}
	q.executing = nil
	e.finalizeLocked(cmd, protocol.CommandInterrupted, nil, "interrupted by "+requestedBy)
	e.requestAbort(cmd, protocol.ControlInterrupt, "interrupted by "+requestedBy)
	return nil
}

// requestAbort sends a best-effort control signal for a command and records
// the pending acknowledgment. Caller holds q.mu.
func (e *Engine) requestAbort(cmd *Command, action protocol.ControlAction, reason string) {
	e.ackMu.Lock()
	e.pendingAcks[cmd.ID] = time.Now()
	e.ackMu.Unlock()

	if err := e.sendToAgent(cmd.AgentID, protocol.TypeAgentControl, protocol.AgentControlPayload{
		Action:    action,
		Reason:    reason,
		CommandID: cmd.ID,
	}); err != nil {
		e.log.Debug().Err(err).Str("command", cmd.ID).Msg("abort signal not delivered")
	}
}

// ReportStatus applies an agent-reported command transition. Invalid
// transitions are dropped with an audit entry and never crash the engine. A
// terminal report for a command already cancelled or interrupted locally is
// treated as the agent's acknowledgment.
func (e *Engine) ReportStatus(commandID string, status protocol.CommandStatus, exitCode *int, errMsg string) error {
	cmd, q := e.lookup(commandID)
	if cmd == nil {
		return ErrUnknownCommand
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if cmd.Status.Terminal() {
		e.ackMu.Lock()
		_, pending := e.pendingAcks[commandID]
		delete(e.pendingAcks, commandID)
		e.ackMu.Unlock()
		if pending {
			e.sink.Record(AuditEvent{
				Category:  AuditCommand,
				Event:     "abort-acknowledged",
				AgentID:   cmd.AgentID,
				CommandID: commandID,
				Detail:    map[string]any{"reported": string(status)},
			})
			return nil
		}
		e.auditInvalid(cmd, status)
		return ErrInvalidTransition
	}

	if status == protocol.CommandExecuting {
		// Progress echo of a dispatch already applied locally.
		return nil
	}

	if !validCommandTransition(cmd.Status, status) {
		e.auditInvalid(cmd, status)
		return ErrInvalidTransition
	}

	if q.executing == cmd {
		q.executing = nil
	} else {
		q.remove(cmd)
	}
	e.finalizeLocked(cmd, status, exitCode, errMsg)
	e.dispatchOrIdleLocked(q, cmd.AgentID)
	return nil
}

// ConnectionLost fails the in-flight command of an agent whose connection
// dropped, so a fresh registration is not blocked by an orphaned EXECUTING
// entry. Queued commands stay queued and dispatch when the agent returns.
func (e *Engine) ConnectionLost(agentID string) {
	e.mu.RLock()
	q := e.queues[agentID]
	e.mu.RUnlock()
	if q == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	cmd := q.executing
	if cmd == nil {
		return
	}
	q.executing = nil
	e.finalizeLocked(cmd, protocol.CommandFailed, nil, "agent connection lost")
}

// AddOutputBytes tracks a command's accumulated output length, used by the
// size guard and history.
func (e *Engine) AddOutputBytes(commandID string, n int) {
	cmd, q := e.lookup(commandID)
	if cmd == nil {
		return
	}
	q.mu.Lock()
	cmd.OutputBytes += int64(n)
	q.mu.Unlock()
}

// ActiveCommand reports whether the command id is known to the engine and
// not yet terminal.
func (e *Engine) ActiveCommand(commandID string) bool {
	cmd, q := e.lookup(commandID)
	if cmd == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return !cmd.Status.Terminal()
}

// EmergencyStop marks every queued command STOPPED, interrupts every
// executing command, clears all queues, and waits a bounded time for each
// affected agent to acknowledge. Agents that stay silent are reported as
// failures and marked unresponsive, never presumed stopped.
func (e *Engine) EmergencyStop(initiatedBy string) StopReport {
	var report StopReport

	e.mu.RLock()
	agentIDs := make([]string, 0, len(e.queues))
	for id := range e.queues {
		agentIDs = append(agentIDs, id)
	}
	e.mu.RUnlock()
	sort.Strings(agentIDs)

	affected := make([]string, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		q := e.queue(agentID)
		q.mu.Lock()
		touched := false
		for {
			cmd := q.pop()
			if cmd == nil {
				break
			}
			e.finalizeLocked(cmd, protocol.CommandStopped, nil, "emergency stop")
			report.StoppedCommands = append(report.StoppedCommands, cmd.ID)
			touched = true
		}
		if cmd := q.executing; cmd != nil {
			q.executing = nil
			e.finalizeLocked(cmd, protocol.CommandStopped, nil, "emergency stop")
			e.requestAbort(cmd, protocol.ControlInterrupt, "emergency stop")
			report.StoppedCommands = append(report.StoppedCommands, cmd.ID)
			touched = true
		}
		q.mu.Unlock()

		if touched {
			affected = append(affected, agentID)
		}
	}
	report.AffectedAgents = affected

	// Signal every affected agent and wait for acknowledgments in
	// parallel, each bounded by the stop-ack timeout.
	var wg sync.WaitGroup
	var failMu sync.Mutex
	for _, agentID := range affected {
		e.tracker.MarkStopping(agentID)

		ack := make(chan struct{})
		e.ackMu.Lock()
		e.stopAcks[agentID] = ack
		e.ackMu.Unlock()

		if err := e.sendToAgent(agentID, protocol.TypeAgentControl, protocol.AgentControlPayload{
			Action: protocol.ControlStop,
			Reason: "emergency stop by " + initiatedBy,
		}); err != nil {
			e.log.Warn().Err(err).Str("agent", agentID).Msg("stop signal not delivered")
		}

		wg.Add(1)
		go func(agentID string, ack chan struct{}) {
			defer wg.Done()
			select {
			case <-ack:
				e.tracker.MarkStopped(agentID)
			case <-time.After(e.cfg.StopAckTimeout):
				e.ackMu.Lock()
				delete(e.stopAcks, agentID)
				e.ackMu.Unlock()
				e.tracker.MarkUnresponsive(agentID)
				failMu.Lock()
				report.Failures = append(report.Failures, protocol.StopFailure{
					AgentID: agentID,
					Reason:  "no acknowledgment within " + e.cfg.StopAckTimeout.String(),
				})
				failMu.Unlock()
			}
		}(agentID, ack)
	}
	wg.Wait()

	e.sink.Record(AuditEvent{
		Category: AuditCommand,
		Event:    "emergency-stop",
		ActorID:  initiatedBy,
		Detail: map[string]any{
			"stopped":  len(report.StoppedCommands),
			"affected": affected,
			"failures": len(report.Failures),
		},
	})
	e.publish(Event{
		Type: protocol.TypeEmergencyStop,
		Payload: protocol.EmergencyStopPayload{
			StoppedCommands: report.StoppedCommands,
			AffectedAgents:  report.AffectedAgents,
			Failures:        report.Failures,
			InitiatedBy:     initiatedBy,
		},
	})
	return report
}

// AckStop resolves a pending emergency-stop acknowledgment for an agent.
// Called when the agent reports STOPPING or STOPPED.
func (e *Engine) AckStop(agentID string) {
	e.ackMu.Lock()
	ack := e.stopAcks[agentID]
	delete(e.stopAcks, agentID)
	e.ackMu.Unlock()
	if ack != nil {
		close(ack)
	}
}

// Get returns a copy of a command.
func (e *Engine) Get(commandID string) (Command, bool) {
	cmd, q := e.lookup(commandID)
	if cmd == nil {
		return Command{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return *cmd, true
}

// List returns snapshots of all known non-evicted commands with derived
// queue positions, newest first.
func (e *Engine) List(agentID string) []CommandView {
	e.mu.RLock()
	var cmds []*Command
	for _, cmd := range e.commands {
		if agentID == "" || cmd.AgentID == agentID {
			cmds = append(cmds, cmd)
		}
	}
	e.mu.RUnlock()

	views := make([]CommandView, 0, len(cmds))
	for _, cmd := range cmds {
		q := e.queue(cmd.AgentID)
		q.mu.Lock()
		view := CommandView{Command: *cmd, QueuePosition: -1}
		if cmd == q.executing {
			view.QueuePosition = 0
		} else if cmd.Status == protocol.CommandQueued {
			view.QueuePosition = e.positionLocked(q, cmd)
		}
		q.mu.Unlock()
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// positionLocked derives a queued command's dispatch position. Caller holds
// q.mu.
func (e *Engine) positionLocked(q *agentQueue, cmd *Command) int {
	pos := 0
	if q.executing != nil {
		pos = 1
	}
	for rank := len(q.buckets) - 1; rank >= 0; rank-- {
		for _, c := range q.buckets[rank] {
			if c == cmd {
				return pos
			}
			pos++
		}
	}
	return -1
}

// finalizeLocked applies a terminal transition: immutable afterward, evicted
// from the active queue, retained only in history and the output ring.
// Caller holds q.mu.
func (e *Engine) finalizeLocked(cmd *Command, status protocol.CommandStatus, exitCode *int, errMsg string) {
	now := time.Now()
	cmd.Status = status
	cmd.EndedAt = &now
	cmd.ExitCode = exitCode
	if errMsg != "" {
		cmd.Error = errMsg
	}

	e.log.Info().
		Str("command", cmd.ID).
		Str("agent", cmd.AgentID).
		Str("status", string(status)).
		Msg("command finalized")

	e.persistUpdate(cmd)
	e.sink.Record(AuditEvent{
		Category:  AuditCommand,
		Event:     "command-" + string(status),
		AgentID:   cmd.AgentID,
		CommandID: cmd.ID,
		Detail:    map[string]any{"error": errMsg},
	})
	e.publishStatus(cmd)
	e.terminal.Retire(cmd.ID)
}

// dispatchOrIdleLocked starts the next command or returns the agent to IDLE
// when the queue is drained. Caller holds q.mu.
func (e *Engine) dispatchOrIdleLocked(q *agentQueue, agentID string) {
	if q.queuedCount() == 0 {
		e.tracker.SetActivity(agentID, protocol.ActivityIdle)
		return
	}
	e.tracker.SetActivity(agentID, protocol.ActivityIdle)
	e.maybeDispatchLocked(q, agentID)
}

func (e *Engine) auditInvalid(cmd *Command, to protocol.CommandStatus) {
	e.log.Warn().
		Str("command", cmd.ID).
		Str("from", string(cmd.Status)).
		Str("to", string(to)).
		Msg("command transition rejected")
	e.sink.Record(AuditEvent{
		Category:  AuditCommand,
		Event:     "invalid-transition",
		AgentID:   cmd.AgentID,
		CommandID: cmd.ID,
		Detail:    map[string]any{"from": string(cmd.Status), "to": string(to)},
	})
}

func (e *Engine) publishStatus(cmd *Command) {
	e.publish(Event{
		Type: protocol.TypeCommandStatus,
		Payload: protocol.CommandStatusPayload{
			CommandID: cmd.ID,
			Status:    cmd.Status,
			ExitCode:  cmd.ExitCode,
			Error:     cmd.Error,
		},
	})
}

func (e *Engine) publishChunk(chunk Chunk) {
	e.publish(Event{
		Type:      protocol.TypeTerminalStream,
		CommandID: chunk.CommandID,
		Payload: protocol.TerminalStreamPayload{
			CommandID: chunk.CommandID,
			AgentID:   chunk.AgentID,
			Stream:    chunk.Stream,
			Content:   chunk.Content,
			Seq:       chunk.Seq,
		},
	})
}

func (e *Engine) persistInsert(cmd *Command) {
	if e.db == nil {
		return
	}
	_, err := e.db.Exec(`
		INSERT INTO commands (id, agent_id, user_id, content, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.AgentID, cmd.UserID, cmd.Content, string(cmd.Priority), string(cmd.Status), cmd.CreatedAt)
	if err != nil {
		e.log.Error().Err(err).Str("command", cmd.ID).Msg("failed to insert command")
	}
}

func (e *Engine) persistUpdate(cmd *Command) {
	if e.db == nil {
		return
	}
	_, err := e.db.Exec(`
		UPDATE commands SET status = ?, exit_code = ?, output_bytes = ?, started_at = ?, ended_at = ?
		WHERE id = ?`,
		string(cmd.Status), cmd.ExitCode, cmd.OutputBytes, cmd.StartedAt, cmd.EndedAt, cmd.ID)
	if err != nil {
		e.log.Error().Err(err).Str("command", cmd.ID).Msg("failed to update command")
	}
}
