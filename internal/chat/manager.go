package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/fastfollow/internal/followup"
)

// ConversationFactory creates the conversation for a new session.
type ConversationFactory func() *followup.Conversation

// Manager owns the sessions of all users, keyed by user and tab session ID.
// Sessions share nothing with each other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  ConversationFactory
	recorder ExchangeRecorder
	logger   *slog.Logger
}

// NewManager creates a session manager. recorder may be nil.
func NewManager(factory ConversationFactory, recorder ExchangeRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		factory:  factory,
		recorder: recorder,
		logger:   logger,
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the session for userID/sessionID, creating it on first use.
// Fetching a session counts as activity.
func (m *Manager) Get(userID, sessionID string) *Session {
	key := sessionKey(userID, sessionID)

	m.mu.RLock()
	s, ok := m.sessions[key]
	if ok {
		s.touch()
	}
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		s.touch()
		return s
	}
	s = newSession(userID, sessionID, m.factory(), m.recorder, m.logger)
	m.sessions[key] = s
	m.logger.Info("Chat session created", "user_id", userID, "session_id", sessionID)
	return s
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(userID, sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey(userID, sessionID)]
	return s, ok
}

// Drop discards a session and its conversation. The next Get starts idle.
func (m *Manager) Drop(userID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(userID, sessionID)
	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	m.logger.Info("Chat session dropped", "user_id", userID, "session_id", sessionID)
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EvictIdle drops sessions inactive for longer than ttl. Sessions with an
// operation in flight are kept.
func (m *Manager) EvictIdle(now time.Time, ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, s := range m.sessions {
		if now.Sub(s.LastActive()) <= ttl || s.Busy() {
			continue
		}
		delete(m.sessions, key)
		evicted++
		m.logger.Info("Chat session evicted", "user_id", s.userID, "session_id", s.sessionID, "idle", now.Sub(s.LastActive()))
	}
	return evicted
}
