// ABOUTME: Represents one authenticated client session and its outbound queue
// ABOUTME: Session fields have a single writer: the connection's own processing path

package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Session send errors
var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("session send queue full")
)

// sendBufferSize is the outbound channel buffer for each session.
const sendBufferSize = 64

// CloseFunc asks the transport to close the session with a close code and
// human-readable reason. Installed by the connection owner; must be safe to
// call more than once.
type CloseFunc func(code int, reason string)

// Session is one live authenticated client connection. The connection's own
// read loop is the only writer of mutable fields; everything else reads
// through accessor methods.
type Session struct {
	ID              string
	ClientClass     string
	AuthenticatedAt time.Time

	lastActivity atomic.Int64 // unix nanos

	mu          sync.RWMutex
	permissions map[string]struct{}
	topics      map[string]struct{}

	out       chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	closeFn   CloseFunc
}

// NewSession constructs a session with the granted permission set. The
// closeFn is invoked at most once, when Close is called.
func NewSession(id, clientClass string, permissions []string, closeFn CloseFunc) *Session {
	s := &Session{
		ID:              id,
		ClientClass:     clientClass,
		AuthenticatedAt: time.Now(),
		permissions:     make(map[string]struct{}, len(permissions)),
		topics:          map[string]struct{}{"*": {}},
		out:             make(chan []byte, sendBufferSize),
		closed:          make(chan struct{}),
		closeFn:         closeFn,
	}
	for _, p := range permissions {
		s.permissions[p] = struct{}{}
	}
	s.lastActivity.Store(s.AuthenticatedAt.UnixNano())
	return s
}

// Touch records inbound activity. Called by the session's read loop for every
// successfully processed frame, including ones later permission-denied.
func (s *Session) Touch() {
	now := time.Now().UnixNano()
	// lastActivity never moves backwards, even if clocks are odd.
	for {
		prev := s.lastActivity.Load()
		if now <= prev || s.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActivity returns the time of the most recent inbound frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// HasPermission reports whether the session holds the capability token.
// An empty requirement always passes.
func (s *Session) HasPermission(perm string) bool {
	if perm == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.permissions[perm]
	return ok
}

// Permissions returns the session's capability tokens as a slice.
func (s *Session) Permissions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]string, 0, len(s.permissions))
	for p := range s.permissions {
		perms = append(perms, p)
	}
	return perms
}

// SetTopics replaces the session's subscribed topic patterns.
func (s *Session) SetTopics(topics []string) {
	next := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		next[t] = struct{}{}
	}

	s.mu.Lock()
	s.topics = next
	s.mu.Unlock()
}

// Topics returns the session's subscribed topic patterns.
func (s *Session) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	return topics
}

// SubscribedTo reports whether the session subscribes to the topic.
// The pattern "*" matches every topic; otherwise matching is exact.
func (s *Session) SubscribedTo(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.topics["*"]; ok {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Enqueue places a marshaled frame on the outbound queue without blocking.
// Returns ErrSendQueueFull when the write pump has fallen behind and
// ErrSessionClosed after Close; a slow client never blocks the caller.
func (s *Session) Enqueue(frame []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- frame:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// Outbound is the queue drained by the session's write pump.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

// Close marks the session closed and invokes the transport close function
// exactly once with the given code and reason. closeFn runs before Done is
// observable, so the transport sees the code and reason when it wakes.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn(code, reason)
		}
		close(s.closed)
	})
}

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
