// ABOUTME: In-memory authoritative copy of shared workflow and collaboration state
// ABOUTME: Last-writer-wins replacement, attributed and timestamped, never partial

package state

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// WorkflowEntry is one workflow's state blob with its attribution stamp.
type WorkflowEntry struct {
	State     json.RawMessage `json:"state"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp time.Time       `json:"timestamp"`
}

// ContextEntry is one collaboration event's payload with its attribution stamp.
type ContextEntry struct {
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// Snapshot is a deep copy of the full shared state, safe to hold and marshal
// without observing later mutations.
type Snapshot struct {
	Workflows  map[string]WorkflowEntry `json:"active_workflows"`
	Context    map[string]ContextEntry  `json:"collaboration_context"`
	LastSyncAt time.Time                `json:"last_sync_at"`
}

// Store holds the process-wide shared state. The in-memory copy is
// authoritative for the life of the process; the optional mirror only
// receives best-effort, fire-and-forget writes.
type Store struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowEntry
	context    map[string]ContextEntry
	lastSyncAt time.Time

	mirror *Mirror
	logger *slog.Logger
}

// NewStore creates an empty store. mirror may be nil to disable mirroring.
func NewStore(mirror *Mirror, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		workflows: make(map[string]WorkflowEntry),
		context:   make(map[string]ContextEntry),
		mirror:    mirror,
		logger:    logger.With("component", "state"),
	}
}

// ApplyWorkflowUpdate replaces the entry for workflowID wholesale, stamps the
// writer and time, and returns the applied entry for broadcast. Last writer
// wins; there is no merge.
func (s *Store) ApplyWorkflowUpdate(workflowID string, newState json.RawMessage, sourceClass string) WorkflowEntry {
	entry := WorkflowEntry{
		State:     cloneRaw(newState),
		UpdatedBy: sourceClass,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	s.workflows[workflowID] = entry
	s.lastSyncAt = entry.Timestamp
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.EnqueueWorkflow(workflowID, entry)
	}
	return entry
}

// ApplyCollaborationEvent replaces the entry for eventType wholesale with the
// same replace-and-stamp policy as workflow updates.
func (s *Store) ApplyCollaborationEvent(eventType string, payload json.RawMessage, sourceClass string) ContextEntry {
	entry := ContextEntry{
		Payload:   cloneRaw(payload),
		Source:    sourceClass,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	s.context[eventType] = entry
	s.lastSyncAt = entry.Timestamp
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.EnqueueEvent(eventType, entry)
	}
	return entry
}

// Snapshot returns a read-only deep copy. Callers never observe a partially
// updated structure mid-mutation.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Workflows:  make(map[string]WorkflowEntry, len(s.workflows)),
		Context:    make(map[string]ContextEntry, len(s.context)),
		LastSyncAt: s.lastSyncAt,
	}
	for id, e := range s.workflows {
		e.State = cloneRaw(e.State)
		snap.Workflows[id] = e
	}
	for typ, e := range s.context {
		e.Payload = cloneRaw(e.Payload)
		snap.Context[typ] = e
	}
	return snap
}

// Restore loads previously mirrored entries into an empty store at startup.
// Existing in-memory entries are never overwritten: once the process is
// running, memory is authoritative.
func (s *Store) Restore(workflows map[string]WorkflowEntry, context map[string]ContextEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for id, e := range workflows {
		if _, exists := s.workflows[id]; !exists {
			s.workflows[id] = e
			restored++
		}
	}
	for typ, e := range context {
		if _, exists := s.context[typ]; !exists {
			s.context[typ] = e
			restored++
		}
	}
	if restored > 0 {
		s.logger.Info("restored mirrored state", "entries", restored)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
