package agent

import (
	"log/slog"
	"sync"
	"time"
)

// sessionTTL is how long a thread keeps its backend session. After an
// hour the session is abandoned and the next message starts a fresh one.
const sessionTTL = time.Hour

// ThreadSession binds a conversation thread to a live backend session.
type ThreadSession struct {
	ThreadID         string    `json:"threadId"`
	BackendSessionID string    `json:"backendSessionId"`
	ShareURL         string    `json:"shareUrl,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Sessions is the thread-to-session registry. At most one entry exists
// per thread; expired entries are purged lazily on access.
type Sessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*ThreadSession
	logger   *slog.Logger
}

// NewSessions creates an empty registry.
func NewSessions(logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		ttl:      sessionTTL,
		sessions: make(map[string]*ThreadSession),
		logger:   logger.With("component", "sessions"),
	}
}

// Get returns the live session for a thread. An expired entry is removed
// and reported as a miss.
func (s *Sessions) Get(threadID string) (*ThreadSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[threadID]
	if !ok {
		return nil, false
	}
	if time.Since(sess.CreatedAt) > s.ttl {
		delete(s.sessions, threadID)
		s.logger.Debug("session expired", "thread", threadID, "session", sess.BackendSessionID)
		return nil, false
	}
	return sess, true
}

// Put stores the session for its thread, replacing any previous entry.
func (s *Sessions) Put(sess *ThreadSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ThreadID] = sess
}

// Delete removes a thread's session.
func (s *Sessions) Delete(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, threadID)
}

// Len reports how many entries are stored, expired or not.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PurgeExpired removes every expired entry and reports how many went.
// The maintenance loop calls this so idle threads do not accumulate.
func (s *Sessions) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if time.Since(sess.CreatedAt) > s.ttl {
			delete(s.sessions, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("purged expired sessions", "count", n)
	}
	return n
}
