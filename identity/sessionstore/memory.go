package sessionstore

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/identity"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the session in process memory. It does not survive a
// restart and is meant for tests and short-lived tools.
type MemoryStore struct {
	mu      sync.RWMutex
	session *identity.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*identity.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return nil, nil
	}
	// Copy so callers cannot mutate the stored value
	cp := *s.session
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, session *identity.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session == nil {
		s.session = nil
		return nil
	}
	cp := *session
	s.session = &cp
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}
