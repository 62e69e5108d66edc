package token

import "sync"

// MemoryStore implements Store in process memory. Used for tests and for
// embedders that do not want credentials on disk.
type MemoryStore struct {
	mu        sync.RWMutex
	token     string
	devLogout bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// Token returns the stored bearer token, if any.
func (s *MemoryStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// SetToken stores the bearer token.
func (s *MemoryStore) SetToken(tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = tok
	return nil
}

// ClearToken removes the stored token.
func (s *MemoryStore) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// DevLogout reports whether the explicit-logout flag is set.
func (s *MemoryStore) DevLogout() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devLogout
}

// SetDevLogout records or clears the explicit-logout flag.
func (s *MemoryStore) SetDevLogout(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devLogout = v
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
