package auth

import (
	"sync"
	"time"
)

// TokenRevocationStore remembers revoked token IDs until the tokens would
// have expired anyway. Entries are swept every five minutes.
type TokenRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // jti -> token expiry
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

func NewTokenRevocationStore() *TokenRevocationStore {
	s := &TokenRevocationStore{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go s.cleanupLoop()
	return s
}

func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = expiresAt
}

func (s *TokenRevocationStore) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[jti]
	return ok
}

func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweeper. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *TokenRevocationStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *TokenRevocationStore) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, jti)
		}
	}
}
