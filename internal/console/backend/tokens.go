package backend

import "sync"

// TokenStore persists the session between page loads.
type TokenStore interface {
	LoadSession() *Session
	SaveSession(*Session)
	ClearSession()
}

// MemoryTokenStore keeps the session in process memory.
type MemoryTokenStore struct {
	mu      sync.Mutex
	session *Session
}

// LoadSession returns a copy of the stored session, or nil.
func (m *MemoryTokenStore) LoadSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// SaveSession stores a copy of sess.
func (m *MemoryTokenStore) SaveSession(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess == nil {
		m.session = nil
		return
	}
	copied := *sess
	m.session = &copied
}

// ClearSession drops the stored session.
func (m *MemoryTokenStore) ClearSession() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
}
