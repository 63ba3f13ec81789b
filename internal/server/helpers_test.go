package server

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func testConfig() *Config {
	cfg := defaultConfig()
	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	cfg.PasswordHash = string(hash)
	cfg.AgentToken = "test-agent-token"
	cfg.StopAckTimeout = 200 * time.Millisecond
	cfg.RateLimitWindow = time.Second
	cfg.RateLimitCooldown = time.Second
	return cfg
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSink(t *testing.T) *AuditSink {
	t.Helper()
	sink := NewAuditSink(testDB(t), zerolog.Nop())
	t.Cleanup(sink.Close)
	return sink
}

// fakeSender implements connSender for registry and engine tests.
type fakeSender struct {
	mu       sync.Mutex
	messages [][]byte
	full     bool
	shut     bool
}

func (f *fakeSender) enqueue(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.shut {
		return false
	}
	f.messages = append(f.messages, data)
	return true
}

func (f *fakeSender) shutdown() {
	f.mu.Lock()
	f.shut = true
	f.mu.Unlock()
}

func (f *fakeSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeSender) isShut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shut
}
