package cache

import (
	"context"
	"sync"
	"time"
)

type memoryCache struct {
	retention  time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns a process-local cache. Entries are dropped lazily once they
// are older than ExpiresAt+retention; when maxEntries is positive the oldest
// entries are evicted to make room.
func NewMemory(retention time.Duration, maxEntries int) ResponseCache {
	return newMemory(retention, maxEntries, time.Now)
}

func newMemory(retention time.Duration, maxEntries int, now func() time.Time) *memoryCache {
	if retention < 0 {
		retention = 0
	}
	return &memoryCache{
		retention:  retention,
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[string]Entry),
	}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if c.expired(entry, c.now()) {
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now.UTC()
	}
	if entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt
	}
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.makeRoom(now)
	}
	c.entries[key] = cloneEntry(entry)
	return nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	return nil
}

func (c *memoryCache) expired(entry Entry, now time.Time) bool {
	return now.After(entry.ExpiresAt.Add(c.retention))
}

// makeRoom drops every entry past retention, then the oldest survivor if the
// cache is still full. Callers hold the write lock.
func (c *memoryCache) makeRoom(now time.Time) {
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, entry := range c.entries {
		if !found || entry.StoredAt.Before(oldest) {
			oldestKey, oldest, found = key, entry.StoredAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
