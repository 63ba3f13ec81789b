// Package server implements the agentdeck coordination server: the WebSocket
// hub, connection and agent registries, command queue engine, terminal
// multiplexer, and REST boundary.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration. Values come from an optional YAML file
// (AGENTDECK_CONFIG) with environment variables taking precedence.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Authentication
	PasswordHash string `yaml:"password_hash"` // bcrypt hash for operator login
	TOTPSecret   string `yaml:"totp_secret"`   // optional, for 2FA
	AgentToken   string `yaml:"agent_token"`   // bearer token agents must present

	// Sessions
	SessionDuration time.Duration `yaml:"session_duration"`
	MaxSessions     int           `yaml:"max_sessions"` // per identity; oldest evicted beyond this

	// Rate limiting / abuse detection
	RateLimitMessages   int           `yaml:"rate_limit_messages"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`
	RateLimitCooldown   time.Duration `yaml:"rate_limit_cooldown"`
	SuspiciousThreshold int           `yaml:"suspicious_threshold"`

	// Heartbeats: an agent missing HeartbeatTimeout of beats is evicted.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// Command engine
	StopAckTimeout time.Duration `yaml:"stop_ack_timeout"` // emergency-stop acknowledgment wait
	QueueCapacity  int           `yaml:"queue_capacity"`   // per-agent queued command cap

	// Terminal multiplexer
	RingBufferBytes  int `yaml:"ring_buffer_bytes"` // per-command output retention
	RetainedCommands int `yaml:"retained_commands"` // recently-terminal commands kept per agent

	// Database / persistence
	DatabasePath   string        `yaml:"database_path"`
	DataDir        string        `yaml:"data_dir"`
	AuditRetention time.Duration `yaml:"audit_retention"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// LoadConfig loads configuration from the optional YAML file named by
// AGENTDECK_CONFIG, then applies environment overrides and defaults.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("AGENTDECK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	dataDir := "/data"
	return &Config{
		ListenAddr:          ":8100",
		SessionDuration:     24 * time.Hour,
		MaxSessions:         5,
		RateLimitMessages:   60,
		RateLimitWindow:     10 * time.Second,
		RateLimitCooldown:   30 * time.Second,
		SuspiciousThreshold: 5,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    90 * time.Second, // 3 missed beats
		SweepInterval:       15 * time.Second,
		StopAckTimeout:      5 * time.Second,
		QueueCapacity:       100,
		RingBufferBytes:     1 << 20, // matches the transport payload cap
		RetainedCommands:    16,
		DatabasePath:        dataDir + "/agentdeck.db",
		DataDir:             dataDir,
		AuditRetention:      30 * 24 * time.Hour,
		LogLevel:            "info",
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "AGENTDECK_LISTEN")
	setString(&cfg.PasswordHash, "AGENTDECK_PASSWORD_HASH")
	setString(&cfg.TOTPSecret, "AGENTDECK_TOTP_SECRET")
	setString(&cfg.AgentToken, "AGENTDECK_AGENT_TOKEN")
	setDuration(&cfg.SessionDuration, "AGENTDECK_SESSION_DURATION")
	setInt(&cfg.MaxSessions, "AGENTDECK_MAX_SESSIONS")
	setInt(&cfg.RateLimitMessages, "AGENTDECK_RATE_LIMIT")
	setDuration(&cfg.RateLimitWindow, "AGENTDECK_RATE_WINDOW")
	setDuration(&cfg.RateLimitCooldown, "AGENTDECK_RATE_COOLDOWN")
	setInt(&cfg.SuspiciousThreshold, "AGENTDECK_SUSPICIOUS_THRESHOLD")
	setDuration(&cfg.HeartbeatInterval, "AGENTDECK_HEARTBEAT_INTERVAL")
	setDuration(&cfg.HeartbeatTimeout, "AGENTDECK_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.SweepInterval, "AGENTDECK_SWEEP_INTERVAL")
	setDuration(&cfg.StopAckTimeout, "AGENTDECK_STOP_ACK_TIMEOUT")
	setInt(&cfg.QueueCapacity, "AGENTDECK_QUEUE_CAPACITY")
	setInt(&cfg.RingBufferBytes, "AGENTDECK_RING_BUFFER_BYTES")
	setInt(&cfg.RetainedCommands, "AGENTDECK_RETAINED_COMMANDS")
	setString(&cfg.DatabasePath, "AGENTDECK_DB_PATH")
	setString(&cfg.DataDir, "AGENTDECK_DATA_DIR")
	setDuration(&cfg.AuditRetention, "AGENTDECK_AUDIT_RETENTION")
	setString(&cfg.LogLevel, "AGENTDECK_LOG_LEVEL")
}

func (c *Config) validate() error {
	var errs []string

	if c.PasswordHash == "" {
		errs = append(errs, "AGENTDECK_PASSWORD_HASH is required")
	}
	if c.AgentToken == "" {
		errs = append(errs, "AGENTDECK_AGENT_TOKEN is required")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, "heartbeat timeout must exceed the interval")
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, "queue capacity must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP returns true if a TOTP secret is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}
