package agent

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/agentdeck/internal/protocol"
)

// heartbeatLoop sends periodic heartbeats. Heartbeats continue during
// command execution so a long-running command never looks like a dead agent.
func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.ws.IsConnected() && a.IsRegistered() {
				a.sendHeartbeat()
			}
		}
	}
}

// sendHeartbeat sends a single heartbeat message.
func (a *Agent) sendHeartbeat() {
	payload := protocol.HeartbeatPayload{
		Health: a.readHealth(),
	}
	if err := a.ws.SendMessage(protocol.TypeHeartbeat, payload); err != nil {
		a.log.Debug().Err(err).Msg("failed to send heartbeat")
		return
	}
	a.log.Debug().Msg("heartbeat sent")
}

// readHealth collects best-effort health metrics. Missing sources report
// zero rather than failing the heartbeat.
func (a *Agent) readHealth() *protocol.HealthMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &protocol.HealthMetrics{
		CPUUsage:    readLoadAverage(),
		MemoryUsage: float64(mem.Sys) / (1 << 20),
		Uptime:      int64(time.Since(a.startedAt).Seconds()),
	}
}

// readLoadAverage reads the 1-minute load average on Linux; zero elsewhere.
func readLoadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	val, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return val
}
