// ABOUTME: Tracks live client sessions, their primary slots, and broadcast fan-out
// ABOUTME: Single source of truth for who is connected; only deleter of sessions

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionExists indicates a session with the same ID is already admitted.
var ErrSessionExists = errors.New("session already admitted")

// Registry is the single source of truth for connected sessions. It is the
// only component permitted to insert or delete entries; everything else reads
// through Get, Broadcast, and the idle query.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	primary  map[string]string // clientClass -> sessionID holding the slot
	logger   *slog.Logger
}

// New creates an empty registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		primary:  make(map[string]string),
		logger:   logger.With("component", "registry"),
	}
}

// Admit inserts a fully constructed session and hands it the primary slot for
// its class. If another session of the same class holds the slot it is
// returned as preempted; the caller closes it and normal teardown removes it.
// Returns ErrSessionExists (without inserting) on a duplicate session id.
func (r *Registry) Admit(s *Session) (preempted *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return nil, ErrSessionExists
	}

	if prevID, ok := r.primary[s.ClientClass]; ok {
		preempted = r.sessions[prevID]
	}

	r.sessions[s.ID] = s
	r.primary[s.ClientClass] = s.ID

	r.logger.Info("session admitted",
		"session_id", s.ID,
		"client_class", s.ClientClass,
		"total_sessions", len(r.sessions),
		"preempted", preempted != nil,
	)
	return preempted, nil
}

// Remove deletes a session and releases its primary slot if it still holds
// one. Idempotent: removing an unknown id is a no-op, because disconnects may
// race with idle-reaper eviction.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[sessionID]
	if !exists {
		return
	}
	delete(r.sessions, sessionID)

	if r.primary[s.ClientClass] == sessionID {
		delete(r.primary, s.ClientClass)
		r.logger.Info("primary slot released",
			"session_id", sessionID,
			"client_class", s.ClientClass,
		)
	}

	r.logger.Info("session removed",
		"session_id", sessionID,
		"client_class", s.ClientClass,
		"total_sessions", len(r.sessions),
	)
}

// Get retrieves a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

// Primary returns the session holding the primary slot for a class.
func (r *Registry) Primary(clientClass string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.primary[clientClass]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast enqueues the frame on every session the predicate accepts.
// A nil predicate matches all sessions. One client's full queue or closed
// connection never aborts delivery to the rest; failures are logged and the
// number of successful deliveries is returned.
func (r *Registry) Broadcast(pred func(*Session) bool, frame []byte) int {
	// Snapshot targets under the read lock; enqueue outside it.
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if pred == nil || pred(s) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Enqueue(frame); err != nil {
			r.logger.Warn("broadcast delivery failed",
				"session_id", s.ID,
				"client_class", s.ClientClass,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes every live session with the given code and reason. Used
// during shutdown so peers get a close frame instead of a dropped socket.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.Close(code, reason)
	}
}

// IdleSessionIDs returns the ids of sessions whose last activity is older
// than threshold at the given instant. Pure query; does not mutate.
func (r *Registry) IdleSessionIDs(threshold time.Duration, now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > threshold {
			idle = append(idle, id)
		}
	}
	return idle
}
