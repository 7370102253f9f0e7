package store

import (
	"context"
	"sync"

	"github.com/i474232898/station-readings/internal/readings"
)

// MemoryStore is a concurrency-safe in-memory implementation of a reading store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: category name, value: readings by natural key
	data map[string]map[readings.Key]readings.Reading
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[readings.Key]readings.Reading),
	}
}

// Merge applies rs to the category under rule.
func (s *MemoryStore) Merge(_ context.Context, cat readings.Category, rule readings.MergeRule, rs ...readings.Reading) ([]readings.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.data[cat.Name]
	if !ok {
		set = make(map[readings.Key]readings.Reading)
		s.data[cat.Name] = set
	}
	return readings.MergeInto(set, rule, rs...), nil
}

// Remove deletes one reading if present.
func (s *MemoryStore) Remove(_ context.Context, cat readings.Category, key readings.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.data[cat.Name]
	if _, ok := set[key]; !ok {
		return false, nil
	}
	delete(set, key)
	return true, nil
}

// List returns a copy of the category's readings.
func (s *MemoryStore) List(_ context.Context, cat readings.Category, device string) ([]readings.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]readings.Reading, 0, len(s.data[cat.Name]))
	for _, r := range s.data[cat.Name] {
		out = append(out, r)
	}
	return readings.FilterDevice(out, device), nil
}
