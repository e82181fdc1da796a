package secrets

import (
	"context"
	"sync"
)

// Static is an in-memory Store for tests.
type Static struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

var (
	_ Store  = (*Static)(nil)
	_ Writer = (*Static)(nil)
)

// NewStatic returns a Store seeded with the given refs.
func NewStatic(creds map[string]Credentials) *Static {
	if creds == nil {
		creds = make(map[string]Credentials)
	}
	return &Static{creds: creds}
}

func (s *Static) Get(_ context.Context, ref string) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds, ok := s.creds[ref]
	if !ok {
		return Credentials{}, notResolvable(ref)
	}
	return creds, nil
}

func (s *Static) Put(_ context.Context, ref string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[ref] = creds
	return nil
}
