package server

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Audit event categories.
const (
	AuditConnection = "connection"
	AuditAgent      = "agent"
	AuditCommand    = "command"
	AuditAuth       = "auth"
	AuditSecurity   = "security"
)

// AuditEvent is one lifecycle record: a connect, disconnect, command
// transition, emergency stop, auth failure, or suspicious-activity alert.
type AuditEvent struct {
	Category   string         `json:"category"`
	Event      string         `json:"event"`
	ActorID    string         `json:"actor_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	CommandID  string         `json:"command_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// AuditSink appends lifecycle events to the database. Writes go through a
// buffered channel and a single writer goroutine: recording never blocks the
// command or agent state machines, and a full buffer drops the event with a
// log line rather than stalling the caller.
type AuditSink struct {
	log  zerolog.Logger
	db   *sql.DB
	ch   chan AuditEvent
	done chan struct{}
}

// NewAuditSink creates the sink and starts its writer.
func NewAuditSink(db *sql.DB, log zerolog.Logger) *AuditSink {
	s := &AuditSink{
		log:  log.With().Str("component", "audit").Logger(),
		db:   db,
		ch:   make(chan AuditEvent, 1024),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Record appends an event. Fire-and-forget: never blocks, never fails the
// caller.
func (s *AuditSink) Record(ev AuditEvent) {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}
	select {
	case s.ch <- ev:
	default:
		s.log.Warn().Str("event", ev.Event).Msg("audit buffer full, event dropped")
	}
}

func (s *AuditSink) run() {
	for ev := range s.ch {
		var detail *string
		if len(ev.Detail) > 0 {
			if data, err := json.Marshal(ev.Detail); err == nil {
				d := string(data)
				detail = &d
			}
		}
		_, err := s.db.Exec(`
			INSERT INTO audit_events (category, event, actor_id, agent_id, command_id, detail, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.Category, ev.Event, nullable(ev.ActorID), nullable(ev.AgentID),
			nullable(ev.CommandID), detail, ev.RecordedAt)
		if err != nil {
			// Persistent sink failure degrades gracefully; the primary
			// state machine keeps running.
			s.log.Error().Err(err).Str("event", ev.Event).Msg("failed to persist audit event")
		}
	}
	close(s.done)
}

// Query returns the most recent events, optionally filtered by category.
func (s *AuditSink) Query(category string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT category, event, actor_id, agent_id, command_id, detail, recorded_at
		FROM audit_events`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY recorded_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var actor, agent, command, detail *string
		if err := rows.Scan(&ev.Category, &ev.Event, &actor, &agent, &command, &detail, &ev.RecordedAt); err != nil {
			continue
		}
		if actor != nil {
			ev.ActorID = *actor
		}
		if agent != nil {
			ev.AgentID = *agent
		}
		if command != nil {
			ev.CommandID = *command
		}
		if detail != nil {
			_ = json.Unmarshal([]byte(*detail), &ev.Detail)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window. Run on a schedule.
func (s *AuditSink) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result, err := s.db.Exec(`DELETE FROM audit_events WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("pruned audit events")
	}
	return n, nil
}

// Close drains pending events and stops the writer.
func (s *AuditSink) Close() {
	close(s.ch)
	<-s.done
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
