package cache

import (
	"net/http"
	"time"
)

// NewEntry snapshots a response for storage, fresh for lifetime. The second
// result is false when lifetime is not positive.
func NewEntry(status int, body []byte, header http.Header, now time.Time, lifetime time.Duration) (Entry, bool) {
	if lifetime <= 0 {
		return Entry{}, false
	}
	stored := now.UTC()
	return cloneEntry(Entry{
		Status:    status,
		Body:      body,
		Headers:   header,
		StoredAt:  stored,
		ExpiresAt: stored.Add(lifetime),
	}), true
}
