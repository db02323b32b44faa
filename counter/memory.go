// Package counter provides CounterStore implementations for the admission
// controller.
package counter

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/imagegate"
)

// MemoryStore is an in-memory CounterStore with per-key expiry. It is safe
// for concurrent use and meant for tests and single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	sets     map[string]*setEntry
	now      func() time.Time
}

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

type setEntry struct {
	members   map[string]struct{}
	expiresAt time.Time
}

var _ imagegate.CounterStore = (*MemoryStore)(nil)

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*counterEntry),
		sets:     make(map[string]*setEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Count returns the live value of key.
func (s *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counter(key)
	if c == nil {
		return 0, nil
	}
	return c.value, nil
}

// SetSize returns the live cardinality of the set at key.
func (s *MemoryStore) SetSize(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.set(key)
	if set == nil {
		return 0, nil
	}
	return int64(len(set.members)), nil
}

// IsMember reports whether member is in the set at key.
func (s *MemoryStore) IsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.set(key)
	if set == nil {
		return false, nil
	}
	_, ok := set.members[member]
	return ok, nil
}

// Apply executes ops under one lock, so the batch is atomic.
func (s *MemoryStore) Apply(_ context.Context, ops []imagegate.CounterOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, op := range ops {
		switch op.Kind {
		case imagegate.OpIncr:
			c := s.counter(op.Key)
			if c == nil {
				c = &counterEntry{}
				s.counters[op.Key] = c
			}
			c.value++
			c.expiresAt = expiry(now, op.TTL)
		case imagegate.OpSetAdd:
			set := s.set(op.Key)
			if set == nil {
				set = &setEntry{members: make(map[string]struct{})}
				s.sets[op.Key] = set
			}
			set.members[op.Member] = struct{}{}
			set.expiresAt = expiry(now, op.TTL)
		}
	}
	return nil
}

// counter returns the live entry for key, dropping it once expired.
func (s *MemoryStore) counter(key string) *counterEntry {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if expired(s.now(), c.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *MemoryStore) set(key string) *setEntry {
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	if expired(s.now(), set.expiresAt) {
		delete(s.sets, key)
		return nil
	}
	return set
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, at time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}
