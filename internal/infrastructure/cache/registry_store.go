package cache

import (
	"sync"
	"time"

	"github.com/lumenstudio/imagepipe/internal/application/preload"
)

// RegistryStore holds one preload registry per page session. Sessions idle
// longer than the TTL start over with an empty registry.
type RegistryStore struct {
	mu       sync.Mutex
	sessions *lru[*preload.Registry]
}

// NewRegistryStore creates a store with at most maxSessions live registries
func NewRegistryStore(maxSessions int, ttl time.Duration) *RegistryStore {
	if maxSessions <= 0 {
		maxSessions = 10000
	}
	return &RegistryStore{
		sessions: newLRU[*preload.Registry](maxSessions, ttl),
	}
}

// Get returns the registry for sessionID, creating it on first use
func (s *RegistryStore) Get(sessionID string) *preload.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if registry, ok := s.sessions.get(sessionID); ok {
		return registry
	}

	registry := preload.NewRegistry()
	s.sessions.set(sessionID, registry)
	return registry
}

// Len returns the number of live sessions
func (s *RegistryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.len()
}

// CleanupExpired drops idle sessions
func (s *RegistryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.cleanupExpired()
}

// AutoCleanup periodically drops idle sessions until the returned channel is closed
func (s *RegistryStore) AutoCleanup(interval time.Duration) chan struct{} {
	stopChan := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.CleanupExpired()
			case <-stopChan:
				return
			}
		}
	}()

	return stopChan
}
