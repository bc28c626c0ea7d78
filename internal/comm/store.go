package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned when a key is set twice with different values.
var ErrConflict = errors.New("comm: key already set to a different value")

// Store is the key/value rendezvous used to exchange group ids and plan
// fingerprints. Keys are write-once.
type Store interface {
	Set(ctx context.Context, key, value string) error
	// Wait blocks until key is set or ctx is done.
	Wait(ctx context.Context, key string) (string, error)
}

// MemStore is an in-process Store.
type MemStore struct {
	mu    sync.Mutex
	vals  map[string]string
	waits map[string]chan struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		vals:  make(map[string]string),
		waits: make(map[string]chan struct{}),
	}
}

func (s *MemStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.vals[key]; ok {
		if prev != value {
			return fmt.Errorf("%w: %s", ErrConflict, key)
		}
		return nil
	}
	s.vals[key] = value
	if ch, ok := s.waits[key]; ok {
		close(ch)
		delete(s.waits, key)
	}
	return nil
}

func (s *MemStore) Wait(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	if v, ok := s.vals[key]; ok {
		s.mu.Unlock()
		return v, nil
	}
	ch, ok := s.waits[key]
	if !ok {
		ch = make(chan struct{})
		s.waits[key] = ch
	}
	s.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[key], nil
}

// Get returns a value without waiting.
func (s *MemStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	return v, ok
}

// Len returns the number of keys set.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vals)
}
