package counter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sokohub/sentinel/internal/syncutil"
)

// entry is one live counter. windowStart and window define the validity
// interval; a read past windowStart+window must behave as if count were 0.
type entry struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// MemoryStore is an in-process Store. Entries live in a sync.Map; a sharded
// mutex serializes increments per key so the read-reset-increment sequence
// is atomic without a global lock.
type MemoryStore struct {
	entries sync.Map // key -> *entry
	locks   syncutil.ShardedMutex
	size    atomic.Int64
}

// NewMemoryStore creates an in-memory window counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// IncrementAndGet implements Store.
func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	now := time.Now()

	v, ok := s.entries.Load(key)
	if !ok {
		s.entries.Store(key, &entry{count: 1, windowStart: now, window: window})
		s.size.Add(1)
		return 1, window, nil
	}

	e := v.(*entry)
	if now.Sub(e.windowStart) >= e.window {
		// Window elapsed: reset rather than carry the stale count.
		e.count = 1
		e.windowStart = now
		e.window = window
		return 1, window, nil
	}

	e.count++
	return e.count, e.window - now.Sub(e.windowStart), nil
}

// Sweep evicts entries that expired more than one full window ago and
// returns the number removed. Recently-expired entries are kept so that a
// reset observed under the key lock stays cheap.
func (s *MemoryStore) Sweep() int {
	now := time.Now()
	removed := 0

	s.entries.Range(func(k, v any) bool {
		key := k.(string)
		unlock := s.locks.Lock(key)
		e := v.(*entry)
		if now.Sub(e.windowStart) >= 2*e.window {
			s.entries.Delete(key)
			s.size.Add(-1)
			removed++
		}
		unlock()
		return true
	})

	return removed
}

// Size returns the current number of live entries.
func (s *MemoryStore) Size() int64 {
	return s.size.Load()
}
