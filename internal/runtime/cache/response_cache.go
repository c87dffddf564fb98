package cache

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Entry is a remembered upstream response. ExpiresAt marks the end of the
// freshness window; backends keep the entry for a retention period beyond it
// so an expired copy can still answer when the upstream is down.
type Entry struct {
	Status    int         `json:"status"`
	Body      []byte      `json:"body"`
	Headers   http.Header `json:"headers,omitempty"`
	StoredAt  time.Time   `json:"storedAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// Fresh reports whether the entry is still inside its freshness window.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Remaining returns how long the entry stays fresh, truncated to whole seconds.
func (e Entry) Remaining(now time.Time) time.Duration {
	left := e.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return left.Truncate(time.Second)
}

// ResponseCache stores dictionary responses keyed by request identity.
// Lookup returns retained entries whether fresh or not; callers decide with Fresh.
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// KeyForKeyword builds the cache identity of a dictionary lookup. The keyword
// is query-escaped so distinct keywords never collide.
func KeyForKeyword(namespace, keyword string) string {
	return namespace + "?kw=" + url.QueryEscape(keyword)
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:    in.Status,
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
	if in.Body != nil {
		out.Body = append([]byte(nil), in.Body...)
	}
	if len(in.Headers) > 0 {
		out.Headers = in.Headers.Clone()
	}
	return out
}
