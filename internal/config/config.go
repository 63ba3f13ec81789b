// Package config handles agent configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	ServerURL string // WebSocket URL (ws:// or wss://)
	Token     string // Agent authentication token

	// Identity
	AgentID   string // defaults to hostname
	AgentType string // e.g. CLAUDE, GEMINI, SHELL; opaque to the server

	// Execution
	WorkDir string // working directory for commands
	Shell   string // shell used to run command content

	// Behavior
	HeartbeatInterval time.Duration
	LogLevel          string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		AgentID:           hostname,
		AgentType:         "SHELL",
		Shell:             "/bin/sh",
		HeartbeatInterval: 30 * time.Second,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.ServerURL = os.Getenv("AGENTDECK_URL")
	if cfg.ServerURL == "" {
		return nil, errors.New("AGENTDECK_URL is required")
	}

	cfg.Token = os.Getenv("AGENTDECK_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("AGENTDECK_TOKEN is required")
	}

	// Optional
	if id := os.Getenv("AGENTDECK_AGENT_ID"); id != "" {
		cfg.AgentID = id
	}
	if t := os.Getenv("AGENTDECK_AGENT_TYPE"); t != "" {
		cfg.AgentType = t
	}
	if dir := os.Getenv("AGENTDECK_WORK_DIR"); dir != "" {
		cfg.WorkDir = dir
	}
	if shell := os.Getenv("AGENTDECK_SHELL"); shell != "" {
		cfg.Shell = shell
	}

	if interval := os.Getenv("AGENTDECK_INTERVAL"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("AGENTDECK_INTERVAL must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if level := os.Getenv("AGENTDECK_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.AgentID == "" {
		return errors.New("agent id is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	return nil
}
