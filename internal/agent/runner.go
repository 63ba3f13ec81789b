package agent

import (
	"bufio"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/markus-barta/agentdeck/internal/config"
	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrRestartRequested signals that the process should exit and be restarted
// by its supervisor.
var ErrRestartRequested = errors.New("restart requested")

// killGracePeriod is how long a stopped process gets to exit on SIGTERM
// before SIGKILL.
const killGracePeriod = 3 * time.Second

// Runner executes one command at a time and streams its output back to the
// server. The server dispatches serially per agent, so a busy rejection only
// happens on a protocol violation.
type Runner struct {
	cfg   *config.Config
	log   zerolog.Logger
	agent *Agent

	mu          sync.Mutex
	current     *protocol.CommandPayload
	pid         int
	stopped     bool // STOP requested, report STOPPED on exit
	interrupted bool // INTERRUPT requested, report INTERRUPTED on exit
}

// NewRunner creates a runner bound to the agent's connection.
func NewRunner(cfg *config.Config, log zerolog.Logger, agent *Agent) *Runner {
	return &Runner{
		cfg:   cfg,
		log:   log.With().Str("component", "runner").Logger(),
		agent: agent,
	}
}

// Activity returns the runner's activity state.
func (r *Runner) Activity() protocol.ActivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return protocol.ActivityProcessing
	}
	return protocol.ActivityIdle
}

// Execute starts a command asynchronously.
func (r *Runner) Execute(payload protocol.CommandPayload) {
	r.mu.Lock()
	if r.current != nil {
		busy := r.current.CommandID
		r.mu.Unlock()
		r.log.Warn().
			Str("command", payload.CommandID).
			Str("current", busy).
			Msg("command rejected: already busy")
		r.sendStatus(payload.CommandID, protocol.CommandFailed, nil, "agent busy with "+busy)
		return
	}
	r.current = &payload
	r.stopped = false
	r.interrupted = false
	r.mu.Unlock()

	go r.run(payload)
}

// run executes the command content in the configured shell and streams
// stdout and stderr line by line.
func (r *Runner) run(payload protocol.CommandPayload) {
	defer func() {
		r.mu.Lock()
		r.current = nil
		r.pid = 0
		r.mu.Unlock()
		r.agent.reportAgentStatus(protocol.AgentOnline, protocol.ActivityIdle, "")
	}()

	r.log.Info().Str("command", payload.CommandID).Msg("executing command")
	r.agent.reportAgentStatus(protocol.AgentOnline, protocol.ActivityProcessing, "")
	r.sendStatus(payload.CommandID, protocol.CommandExecuting, nil, "")

	cmd := exec.Command(r.cfg.Shell, "-c", payload.Content)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	// Own process group so stop/interrupt reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.sendStatus(payload.CommandID, protocol.CommandFailed, nil, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.sendStatus(payload.CommandID, protocol.CommandFailed, nil, err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		r.log.Error().Err(err).Msg("failed to start command")
		r.sendStatus(payload.CommandID, protocol.CommandFailed, nil, err.Error())
		return
	}

	r.mu.Lock()
	r.pid = cmd.Process.Pid
	r.mu.Unlock()
	r.log.Debug().Int("pid", cmd.Process.Pid).Msg("command started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			r.sendOutput(payload.CommandID, protocol.StreamStdout, scanner.Text())
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.sendOutput(payload.CommandID, protocol.StreamStderr, scanner.Text())
		}
	}()
	wg.Wait()

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	r.mu.Lock()
	stopped := r.stopped
	interrupted := r.interrupted
	r.mu.Unlock()

	switch {
	case stopped:
		r.sendStatus(payload.CommandID, protocol.CommandStopped, &exitCode, "terminated by operator")
	case interrupted:
		r.sendStatus(payload.CommandID, protocol.CommandInterrupted, &exitCode, "interrupted by operator")
	case exitCode == 0:
		r.sendStatus(payload.CommandID, protocol.CommandCompleted, &exitCode, "")
	default:
		r.sendStatus(payload.CommandID, protocol.CommandFailed, &exitCode, "command exited non-zero")
	}

	r.log.Info().
		Str("command", payload.CommandID).
		Int("exit_code", exitCode).
		Bool("stopped", stopped).
		Bool("interrupted", interrupted).
		Msg("command finished")
}

// StopAll terminates the running command, SIGTERM first with a SIGKILL
// fallback. No-op when idle.
func (r *Runner) StopAll(reason string) {
	r.mu.Lock()
	pid := r.pid
	if pid == 0 {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.log.Info().Int("pid", pid).Str("reason", reason).Msg("stopping command")
	r.signalGroup(pid, syscall.SIGTERM)

	go func() {
		time.Sleep(killGracePeriod)
		r.mu.Lock()
		stillRunning := r.pid == pid && pid != 0
		r.mu.Unlock()
		if stillRunning {
			r.log.Warn().Int("pid", pid).Msg("process ignored SIGTERM, sending SIGKILL")
			r.signalGroup(pid, syscall.SIGKILL)
		}
	}()
}

// Interrupt sends SIGINT to the named command's process group. The command
// keeps running if it handles the signal; its exit will be reported as
// INTERRUPTED either way once it actually exits.
func (r *Runner) Interrupt(commandID string) {
	r.mu.Lock()
	if r.current == nil || r.current.CommandID != commandID || r.pid == 0 {
		r.mu.Unlock()
		r.log.Warn().Str("command", commandID).Msg("interrupt requested but command not running")
		return
	}
	pid := r.pid
	r.interrupted = true
	r.mu.Unlock()

	r.log.Info().Int("pid", pid).Str("command", commandID).Msg("interrupting command")
	r.signalGroup(pid, syscall.SIGINT)
}

// signalGroup signals the whole process group, falling back to the process
// itself.
func (r *Runner) signalGroup(pid int, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	if err := syscall.Kill(-pgid, sig); err != nil {
		if err := syscall.Kill(pid, sig); err != nil {
			r.log.Error().Err(err).Int("pid", pid).Str("signal", sig.String()).Msg("failed to signal process")
		}
	}
}

func (r *Runner) sendOutput(commandID string, stream protocol.StreamType, line string) {
	payload := protocol.TerminalStreamPayload{
		CommandID: commandID,
		AgentID:   r.cfg.AgentID,
		Stream:    stream,
		Content:   line + "\n",
	}
	if err := r.agent.ws.SendMessage(protocol.TypeTerminalStream, payload); err != nil {
		r.log.Debug().Err(err).Msg("failed to send output")
	}
}

func (r *Runner) sendStatus(commandID string, status protocol.CommandStatus, exitCode *int, errMsg string) {
	payload := protocol.CommandStatusPayload{
		CommandID: commandID,
		Status:    status,
		ExitCode:  exitCode,
		Error:     errMsg,
	}
	if err := r.agent.ws.SendMessage(protocol.TypeCommandStatus, payload); err != nil {
		r.log.Error().Err(err).Msg("failed to send command status")
	}
}
