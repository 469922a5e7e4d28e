// Package store provides the in-memory cached value store shared by all
// panel widgets. Each data source key holds the last fetched value with its
// fetch timestamp and TTL. Writes are last-fetch-wins by timestamp: a result
// that completes after a newer one has already landed is discarded, which
// keeps the store consistent when off-thread fetches finish out of order.
package store

import (
	"sort"
	"sync"
	"time"
)

// Key identifies one monitored quantity, e.g. "network.link" or
// "audio.volume". Keys are widget-scoped and unique within the process.
type Key string

// CachedValue is the last known value for a key plus the metadata needed to
// decide whether it is still fresh.
type CachedValue struct {
	Value     any
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether the value is still within its TTL at the given time.
// A zero TTL means the value is always considered stale.
func (cv CachedValue) Fresh(now time.Time) bool {
	if cv.TTL <= 0 {
		return false
	}
	return now.Sub(cv.FetchedAt) < cv.TTL
}

// Stats holds runtime counters for a Store.
type Stats struct {
	Hits     int64
	Misses   int64
	Discards int64
	Entries  int
}

// Store is the single authority for "do we need to refetch". It is safe for
// concurrent use, though in the panel all writes arrive through the
// scheduler's funnel goroutine.
type Store struct {
	mu       sync.RWMutex
	entries  map[Key]CachedValue
	hits     int64
	misses   int64
	discards int64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[Key]CachedValue)}
}

// Get returns the cached value for key, if any.
func (s *Store) Get(key Key) (CachedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cv, ok := s.entries[key]
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	return cv, ok
}

// Put stores value under key. It returns false and leaves the store
// untouched when fetchedAt is not strictly newer than the stored timestamp,
// enforcing the out-of-order discard rule.
func (s *Store) Put(key Key, value any, fetchedAt time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[key]; ok && !fetchedAt.After(prev.FetchedAt) {
		s.discards++
		return false
	}

	s.entries[key] = CachedValue{Value: value, FetchedAt: fetchedAt, TTL: ttl}
	return true
}

// IsFresh reports whether key holds a value that is still within its TTL.
// Missing keys are never fresh.
func (s *Store) IsFresh(key Key, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cv, ok := s.entries[key]
	return ok && cv.Fresh(now)
}

// Delete removes the entry for key. It is a no-op if the key is absent.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Keys returns all stored keys in sorted order.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Hits:     s.hits,
		Misses:   s.misses,
		Discards: s.discards,
		Entries:  len(s.entries),
	}
}
