package tgui

import (
	"sync"
	"time"
)

// Store is an in-memory TTL map for conversation state such as a
// half-finished upload. Expired entries are swept lazily.
type Store[K comparable, V any] struct {
	mu sync.Mutex

	ttl time.Duration
	max int
	now func() time.Time

	cleanupInterval time.Duration
	nextCleanup     time.Time

	m map[K]entry[V]
}

type entry[V any] struct {
	v   V
	exp time.Time
}

// NewStore creates a Store. Zero ttl means 15 minutes; zero max means 5000.
func NewStore[K comparable, V any](ttl time.Duration, max int) *Store[K, V] {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if max <= 0 {
		max = 5000
	}
	return &Store[K, V]{
		ttl:             ttl,
		max:             max,
		now:             time.Now,
		cleanupInterval: time.Minute,
		m:               map[K]entry[V]{},
	}
}

// SetClock replaces the time source.
func (s *Store[K, V]) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Put stores v under k and refreshes its expiry.
func (s *Store[K, V]) Put(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.maybeCleanupLocked(now)
	s.m[k] = entry[V]{v: v, exp: now.Add(s.ttl)}
	// Best-effort eviction of arbitrary entries.
	for key := range s.m {
		if len(s.m) <= s.max {
			break
		}
		if key != k {
			delete(s.m, key)
		}
	}
}

func (s *Store[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.maybeCleanupLocked(now)
	e, ok := s.m[k]
	if !ok || now.After(e.exp) {
		delete(s.m, k)
		var zero V
		return zero, false
	}
	return e.v, true
}

// Take returns and removes the value for k.
func (s *Store[K, V]) Take(k K) (V, bool) {
	v, ok := s.Get(k)
	if ok {
		s.Delete(k)
	}
	return v, ok
}

func (s *Store[K, V]) Delete(k K) {
	s.mu.Lock()
	delete(s.m, k)
	s.mu.Unlock()
}

func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Store[K, V]) maybeCleanupLocked(now time.Time) {
	if now.Before(s.nextCleanup) {
		return
	}
	for k, e := range s.m {
		if now.After(e.exp) {
			delete(s.m, k)
		}
	}
	s.nextCleanup = now.Add(s.cleanupInterval)
}
