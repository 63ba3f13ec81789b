package server

import (
	"database/sql"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// InitDatabase opens the database and creates the schema.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL for concurrent readers while the audit writer appends
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}
	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		csrf_token TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		agent_version TEXT,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		activity TEXT NOT NULL DEFAULT 'IDLE',
		last_seen DATETIME,
		last_error TEXT,
		max_tokens INTEGER,
		supports_interrupt INTEGER DEFAULT 0,
		supports_trace INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER,
		output_bytes INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		FOREIGN KEY (agent_id) REFERENCES agents(id)
	);

	CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id);
	CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		event TEXT NOT NULL,
		actor_id TEXT,
		agent_id TEXT,
		command_id TEXT,
		detail TEXT,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_recorded ON audit_events(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_events(category);
	`

	_, err := db.Exec(schema)
	return err
}
