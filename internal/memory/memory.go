package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"label-rag/internal/models"
)

// ConversationMemory keeps a bounded message history per session. Sessions
// are independent: each has its own lock, so appends to different sessions
// never contend and appends to the same session serialize.
type ConversationMemory struct {
	maxPairs int
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu       sync.Mutex
	deleted  bool
	messages []models.Message
	metadata map[string]string
}

// New returns a memory retaining at most 2*maxPairs messages per session.
func New(maxPairs int) (*ConversationMemory, error) {
	if maxPairs <= 0 {
		return nil, models.ConfigurationError("memory.New", fmt.Sprintf("max history pairs must be positive, got %d", maxPairs), nil)
	}
	return &ConversationMemory{
		maxPairs: maxPairs,
		now:      time.Now,
		sessions: make(map[string]*session),
	}, nil
}

func (m *ConversationMemory) MaxPairs() int { return m.maxPairs }

// Append records one message and trims the session from the front.
func (m *ConversationMemory) Append(sessionID string, role models.Role, content string) error {
	if !role.Valid() {
		return models.ValidationError("memory.Append", fmt.Sprintf("unknown role %q", role))
	}
	m.withSession(sessionID, func(s *session) {
		s.messages = append(s.messages, models.Message{Role: role, Content: content, Timestamp: m.now()})
		m.trim(s)
	})
	return nil
}

// AppendTurn records a user question and its answer as one atomic step.
func (m *ConversationMemory) AppendTurn(sessionID, question, answer string) {
	m.withSession(sessionID, func(s *session) {
		ts := m.now()
		s.messages = append(s.messages,
			models.Message{Role: models.RoleUser, Content: question, Timestamp: ts},
			models.Message{Role: models.RoleAssistant, Content: answer, Timestamp: ts},
		)
		m.trim(s)
	})
}

// History returns a copy of the last limit messages, or all of them when limit <= 0.
func (m *ConversationMemory) History(sessionID string, limit int) []models.Message {
	s := m.lookup(sessionID)
	if s == nil {
		return []models.Message{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.Message{}, msgs...)
}

// LastNPairs returns the most recent 2*n messages, or fewer if unavailable.
func (m *ConversationMemory) LastNPairs(sessionID string, n int) []models.Message {
	if n <= 0 {
		return []models.Message{}
	}
	return m.History(sessionID, 2*n)
}

// Clear drops the history and metadata of a session. It reports whether the
// session existed.
func (m *ConversationMemory) Clear(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.deleted = true
		s.mu.Unlock()
	}
	return ok
}

func (m *ConversationMemory) SetMetadata(sessionID, key, value string) {
	m.withSession(sessionID, func(s *session) {
		if s.metadata == nil {
			s.metadata = make(map[string]string)
		}
		s.metadata[key] = value
	})
}

// Metadata returns a copy of the session metadata.
func (m *ConversationMemory) Metadata(sessionID string) map[string]string {
	out := map[string]string{}
	s := m.lookup(sessionID)
	if s == nil {
		return out
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Sessions lists the known session ids, sorted.
func (m *ConversationMemory) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *ConversationMemory) lookup(sessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// withSession runs fn under the session lock, creating the session lazily.
// A session cleared between lookup and lock is recreated.
func (m *ConversationMemory) withSession(sessionID string, fn func(*session)) {
	for {
		s := m.lookup(sessionID)
		if s == nil {
			m.mu.Lock()
			if s = m.sessions[sessionID]; s == nil {
				s = &session{}
				m.sessions[sessionID] = s
			}
			m.mu.Unlock()
		}
		s.mu.Lock()
		if s.deleted {
			s.mu.Unlock()
			continue
		}
		fn(s)
		s.mu.Unlock()
		return
	}
}

// trim keeps the newest 2*maxPairs messages. The survivors are copied so the
// dropped prefix does not stay reachable through the backing array.
func (m *ConversationMemory) trim(s *session) {
	limit := 2 * m.maxPairs
	if len(s.messages) <= limit {
		return
	}
	kept := make([]models.Message, limit)
	copy(kept, s.messages[len(s.messages)-limit:])
	s.messages = kept
}
