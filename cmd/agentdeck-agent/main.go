// Agentdeck agent - connects to the agentdeck server and executes commands.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/agentdeck/internal/agent"
	"github.com/markus-barta/agentdeck/internal/config"
	"github.com/rs/zerolog"
)

// restartExitCode tells the supervisor (systemd Restart=on-failure with
// RestartForceExitStatus) to start a fresh process.
const restartExitCode = 101

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentdeck-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("agent_id", cfg.AgentID).
		Str("url", cfg.ServerURL).
		Msg("agentdeck agent starting")

	// Create agent
	a := agent.New(cfg, log)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	// Run agent
	if err := a.Run(); err != nil {
		if errors.Is(err, agent.ErrRestartRequested) {
			os.Exit(restartExitCode)
		}
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: agentdeck-agent [options]

Agentdeck agent %s - connects to the agentdeck server to execute commands.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  AGENTDECK_URL         Server WebSocket URL (required)
  AGENTDECK_TOKEN       Authentication token (required)
  AGENTDECK_AGENT_ID    Agent identity (default: hostname)
  AGENTDECK_AGENT_TYPE  Agent type label (default: SHELL)
  AGENTDECK_WORK_DIR    Working directory for commands
  AGENTDECK_SHELL       Shell used to run commands (default: /bin/sh)
  AGENTDECK_INTERVAL    Heartbeat interval in seconds (default: 30)
  AGENTDECK_LOG_LEVEL   Log level: debug, info, warn, error
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		return 1
	}

	fmt.Println("config OK")
	fmt.Printf("  Agent ID:   %s\n", cfg.AgentID)
	fmt.Printf("  Type:       %s\n", cfg.AgentType)
	fmt.Printf("  Server:     %s\n", cfg.ServerURL)
	fmt.Println()

	// Test connectivity via the health endpoint
	fmt.Print("Testing server connectivity... ")

	httpURL := cfg.ServerURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws") + "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("failed\n  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
