package kvstore

import (
	"context"
	"sync"
)

// MemoryStore is a process-local store used by tests and dry runs.
// Fail makes every subsequent Put return the given error.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failErr error
	puts    int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.data[key] = append([]byte(nil), value...)
	s.puts++
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Fail sets the error returned by Put. Pass nil to recover.
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Puts returns the number of successful writes.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}
