package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory. It backs tests and is the
// default when no storage path is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
	queue []QueuedRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryStore) LoadToken(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryStore) DeleteToken(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

func (s *MemoryStore) SaveQueue(_ context.Context, records []QueuedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append([]QueuedRecord(nil), records...)
	return nil
}

func (s *MemoryStore) LoadQueue(_ context.Context) ([]QueuedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]QueuedRecord(nil), s.queue...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
