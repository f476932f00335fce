package memory

import (
	"context"
	"sync"
	"time"
)

// LocalStore is the in-process Store. Expiry is enforced on read; a sweeper
// started with StartSweeper also evicts entries that are never read again.
type LocalStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// LocalStoreOption configures a LocalStore.
type LocalStoreOption func(*LocalStore)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) LocalStoreOption {
	return func(s *LocalStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLocalStore creates an empty in-process store. A non-positive ttl selects
// DefaultTTL.
func NewLocalStore(ttl time.Duration, opts ...LocalStoreOption) *LocalStore {
	s := &LocalStore{
		entries: make(map[string]Entry),
		ttl:     normalizeTTL(ttl),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LocalStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if expired(entry, s.now(), s.ttl) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have refreshed it.
		if current, ok := s.entries[key]; ok && expired(current, s.now(), s.ttl) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, nil
	}

	return &entry, nil
}

func (s *LocalStore) Put(_ context.Context, key string, entry Entry) error {
	if err := validate(key, entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (s *LocalStore) Sweep(_ context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if expired(entry, now, s.ttl) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}
