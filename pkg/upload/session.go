package upload

import (
	"slices"
	"sync"
	"time"
)

// Origin is the chat a session was started from. Flush results are pushed
// back to it.
type Origin struct {
	Channel string
	ChatID  string
}

// Item is one accepted payload. Items are immutable once accepted.
type Item struct {
	Ref        string
	Payload    []byte
	ReceivedAt time.Time
	Seq        int
}

// Session accumulates items for one user until it is flushed, discarded or
// swept. Lot is nil until the user names the lot.
type Session struct {
	ID         string
	UserID     string
	Lot        *string
	Origin     Origin
	Items      []Item
	CreatedAt  time.Time
	LastUpdate time.Time

	nextSeq int
}

// LotNumber returns the session lot or "".
func (s Session) LotNumber() string {
	if s.Lot == nil {
		return ""
	}
	return *s.Lot
}

func (s *Session) snapshot() Session {
	out := *s
	out.Items = slices.Clone(s.Items)
	if s.Lot != nil {
		lot := *s.Lot
		out.Lot = &lot
	}
	return out
}

func sameLot(a *string, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SessionRepository stores at most one active session per user.
type SessionRepository interface {
	Get(userID string) (*Session, bool)
	Put(session *Session)
	Delete(userID string) (*Session, bool)
	List() []*Session
	Len() int
}

// MemorySessions is the process-local SessionRepository.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]*Session)}
}

func (m *MemorySessions) Get(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[userID]
	return session, ok
}

func (m *MemorySessions) Put(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.UserID] = session
}

// Delete detaches and returns the session for userID.
func (m *MemorySessions) Delete(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	return session, ok
}

func (m *MemorySessions) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	return out
}

func (m *MemorySessions) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
