package ingest

import (
	"sync"
	"time"
)

// dedupCache remembers recently accepted item IDs for a bounded time.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	lastGC  time.Time
}

func newDedupCache(ttl time.Duration, now func() time.Time) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     now,
	}
}

// Seen records id and reports whether it was already present and unexpired.
func (dc *dedupCache) Seen(id string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if now.Sub(dc.lastGC) > dc.ttl {
		for k, at := range dc.entries {
			if now.Sub(at) > dc.ttl {
				delete(dc.entries, k)
			}
		}
		dc.lastGC = now
	}

	if at, ok := dc.entries[id]; ok && now.Sub(at) <= dc.ttl {
		return true
	}
	dc.entries[id] = now
	return false
}

// Forget removes id so a rejected enqueue can be retried.
func (dc *dedupCache) Forget(id string) {
	dc.mu.Lock()
	delete(dc.entries, id)
	dc.mu.Unlock()
}

func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
