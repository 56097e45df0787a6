package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
)

// DefaultPartitionCapacity bounds each in-memory partition
const DefaultPartitionCapacity = 1000

// MemoryStore keeps cache partitions in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*MemoryPartition
	capacity   int
}

// NewMemoryStore creates a store whose partitions hold at most capacity entries
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultPartitionCapacity
	}
	return &MemoryStore{
		partitions: make(map[string]*MemoryPartition),
		capacity:   capacity,
	}
}

// Open returns the named partition, creating it if needed
func (s *MemoryStore) Open(_ context.Context, name string) (outbound.CachePartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partition, ok := s.partitions[name]
	if !ok {
		partition = newMemoryPartition(name, s.capacity)
		s.partitions[name] = partition
	}
	return partition, nil
}

// Has reports whether the named partition exists
func (s *MemoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

// Names lists partitions in sorted order
func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete drops the named partition and its entries
func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[name]; !ok {
		return false, nil
	}
	delete(s.partitions, name)
	return true, nil
}

// MemoryPartition is one generation held in memory
type MemoryPartition struct {
	name    string
	mu      sync.Mutex
	entries *lru[*fetch.Response]
}

func newMemoryPartition(name string, capacity int) *MemoryPartition {
	return &MemoryPartition{
		name:    name,
		entries: newLRU[*fetch.Response](capacity, 0),
	}
}

// Name returns the generation name
func (p *MemoryPartition) Name() string {
	return p.name
}

// Match returns a copy of the stored response for key
func (p *MemoryPartition) Match(_ context.Context, key string) (*fetch.Response, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp, ok := p.entries.get(key)
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

// Put stores a copy of resp under key
func (p *MemoryPartition) Put(_ context.Context, key string, resp *fetch.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries.set(key, resp.Clone())
	return nil
}

// Keys lists the stored keys in sorted order
func (p *MemoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.keys(), nil
}

// Delete removes key
func (p *MemoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.delete(key), nil
}

// Len returns the number of entries
func (p *MemoryPartition) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.len()
}
