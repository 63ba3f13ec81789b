package server

import (
	"sync"
	"time"

	"github.com/markus-barta/agentdeck/internal/protocol"
	"github.com/rs/zerolog"
)

// TruncationMarker is the synthetic SYSTEM chunk inserted when a ring buffer
// drops old output. Dropped output always leaves a trace.
const TruncationMarker = "[output truncated]"

// Chunk is one piece of streamed command output. Ephemeral: retained only in
// the per-command ring buffer for late subscribers.
type Chunk struct {
	CommandID string              `json:"command_id"`
	AgentID   string              `json:"agent_id"`
	Stream    protocol.StreamType `json:"stream_type"`
	Content   string              `json:"content"`
	Seq       uint64              `json:"seq"`
	Timestamp time.Time           `json:"timestamp"`
}

// ring is the bounded per-command output buffer. Oldest chunks fall off the
// front when the byte budget is exceeded, replaced by a single truncation
// marker whose sequence number keeps the replay non-decreasing.
type ring struct {
	agentID string
	chunks  []Chunk
	bytes   int
	nextSeq uint64
	active  bool
}

// Multiplexer assigns per-command sequence numbers to output chunks, keeps a
// bounded ring buffer per command for reconnect replay, and retains a bounded
// number of recently-terminal commands per agent for late joiners.
type Multiplexer struct {
	log      zerolog.Logger
	maxBytes int
	retain   int

	mu      sync.Mutex
	rings   map[string]*ring
	retired map[string][]string // agent id -> terminal command ids, oldest first
}

// NewMultiplexer creates a multiplexer with the given per-command byte budget
// and per-agent retained-command count.
func NewMultiplexer(maxBytes, retain int, log zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		log:      log.With().Str("component", "terminal").Logger(),
		maxBytes: maxBytes,
		retain:   retain,
		rings:    make(map[string]*ring),
		retired:  make(map[string][]string),
	}
}

// Open creates the ring buffer for a newly submitted command.
func (m *Multiplexer) Open(commandID, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rings[commandID]; ok {
		return
	}
	m.rings[commandID] = &ring{agentID: agentID, active: true}
}

// Append stores a chunk, assigning the next sequence number for its command.
// Returns ErrUnknownCommand for ids outside the retention window.
func (m *Multiplexer) Append(commandID string, stream protocol.StreamType, content string) (Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[commandID]
	if !ok {
		return Chunk{}, ErrUnknownCommand
	}

	c := Chunk{
		CommandID: commandID,
		AgentID:   r.agentID,
		Stream:    stream,
		Content:   content,
		Seq:       r.nextSeq,
		Timestamp: time.Now(),
	}
	r.nextSeq++
	r.chunks = append(r.chunks, c)
	r.bytes += len(content)
	m.evictLocked(r)
	return c, nil
}

// evictLocked drops chunks from the front until the ring fits its budget,
// keeping exactly one truncation marker at the truncation point.
func (m *Multiplexer) evictLocked(r *ring) {
	if r.bytes <= m.maxBytes {
		return
	}

	var lastDropped uint64
	dropped := false
	markerDropped := false
	for r.bytes > m.maxBytes && len(r.chunks) > 1 {
		front := r.chunks[0]
		r.chunks = r.chunks[1:]
		r.bytes -= len(front.Content)
		if front.Stream == protocol.StreamSystem && front.Content == TruncationMarker {
			// A pass may evict only the marker; earlier truncation must
			// still leave its trace, so remember it for re-insertion.
			markerDropped = true
			if !dropped {
				lastDropped = front.Seq
			}
		} else {
			lastDropped = front.Seq
			dropped = true
		}
	}
	if !dropped && !markerDropped {
		return
	}

	// Re-insert (or refresh) the single marker at the front. Its sequence
	// reuses the last dropped chunk's, so subscribers still observe a
	// non-decreasing order.
	marker := Chunk{
		CommandID: r.chunks[0].CommandID,
		AgentID:   r.agentID,
		Stream:    protocol.StreamSystem,
		Content:   TruncationMarker,
		Seq:       lastDropped,
		Timestamp: time.Now(),
	}
	r.chunks = append([]Chunk{marker}, r.chunks...)
	r.bytes += len(marker.Content)
}

// Replay returns a snapshot of the ring buffer in sequence order. A late
// subscriber replays this before receiving live chunks.
func (m *Multiplexer) Replay(commandID string) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[commandID]
	if !ok {
		return nil, ErrUnknownCommand
	}
	out := make([]Chunk, len(r.chunks))
	copy(out, r.chunks)
	return out, nil
}

// Known reports whether the command id is active or recently terminal.
func (m *Multiplexer) Known(commandID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rings[commandID]
	return ok
}

// Retire marks a command's buffer terminal and enforces the per-agent
// retention cap, evicting the oldest retired buffers.
func (m *Multiplexer) Retire(commandID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[commandID]
	if !ok || !r.active {
		return
	}
	r.active = false
	m.retired[r.agentID] = append(m.retired[r.agentID], commandID)

	for len(m.retired[r.agentID]) > m.retain {
		oldest := m.retired[r.agentID][0]
		m.retired[r.agentID] = m.retired[r.agentID][1:]
		delete(m.rings, oldest)
		m.log.Debug().Str("command", oldest).Msg("evicted retired output buffer")
	}
}
