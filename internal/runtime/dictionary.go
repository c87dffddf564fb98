package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/minireader/internal/metrics"
	"github.com/l0p7/minireader/internal/runtime/cache"
	"github.com/l0p7/minireader/internal/runtime/retrypolicy"
	"github.com/l0p7/minireader/internal/runtime/upstream"
)

// ServeDictionary looks up the keyword query parameter upstream, falling back
// to the last good response when the upstream rejects or keeps failing.
func (p *Proxy) ServeDictionary(w http.ResponseWriter, r *http.Request) {
	rec := p.begin(w, r, routeDictionary)
	ctx := r.Context()

	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		p.WriteError(w, http.StatusBadRequest, CodeBadRequest, "Missing keyword")
		rec.finish(http.StatusBadRequest, outcomeRejected)
		return
	}

	key := cache.KeyForKeyword(p.namespace, keyword)
	cached, found := p.lookup(ctx, rec, key)

	if p.serveFresh && found && cached.Fresh(p.now()) {
		rec.fromCache = true
		p.writeDictionaryBody(w, r, cached.Body, cache.PublicMaxAge(cached.Remaining(p.now())), "cache")
		rec.finish(http.StatusOK, outcomeCacheHit)
		return
	}

	var fetched upstream.Response
	result := p.retry.Run(ctx, func(n uint) retrypolicy.Outcome {
		resp, err := p.dictionary.Search(ctx, keyword)
		if err != nil {
			p.metrics.ObserveUpstreamAttempt(p.dictionary.Name(), 0)
			rec.logger.Warn("upstream attempt failed",
				slog.String("upstream", p.dictionary.Name()),
				slog.Uint64("attempt", uint64(n)),
				slog.Any("error", err),
			)
			return retrypolicy.Outcome{Err: err}
		}
		p.metrics.ObserveUpstreamAttempt(p.dictionary.Name(), resp.Status)
		if !resp.OK() {
			rec.logger.Warn("upstream attempt rejected",
				slog.String("upstream", p.dictionary.Name()),
				slog.Uint64("attempt", uint64(n)),
				slog.Int("upstream_status", resp.Status),
				slog.Bool("retryable", p.retry.Retryable(resp.Status)),
			)
			return retrypolicy.Outcome{Status: resp.Status}
		}
		fetched = resp
		return retrypolicy.Outcome{Status: resp.Status}
	})
	rec.attempts = result.Attempts

	if result.Success {
		cacheControl := cache.PublicMaxAge(p.freshMaxAge)
		p.writeDictionaryBody(w, r, fetched.Body, cacheControl, "")
		p.scheduleStore(ctx, rec, key, fetched.Body, cacheControl)
		rec.finish(http.StatusOK, outcomeFresh)
		return
	}

	if found {
		rec.fromCache = true
		rec.logger.Info("serving stale cache entry",
			slog.String("cache_key", key),
			slog.Time("stored_at", cached.StoredAt),
			slog.String("last_error", result.LastError),
		)
		p.writeDictionaryBody(w, r, cached.Body, cache.PublicMaxAge(p.staleMaxAge), "stale-cache")
		rec.finish(http.StatusOK, outcomeStale)
		return
	}

	p.WriteError(w, http.StatusBadGateway, CodeJishoUnavailable, result.LastError)
	rec.finish(http.StatusBadGateway, outcomeUnavailable)
}

// lookup reads the remembered entry for key. Backend failures count as a miss.
func (p *Proxy) lookup(ctx context.Context, rec *requestRecord, key string) (cache.Entry, bool) {
	start := time.Now()
	entry, found, err := p.cache.Lookup(ctx, key)
	duration := time.Since(start)
	switch {
	case err != nil:
		p.metrics.ObserveCacheLookup(metrics.CacheLookupError, duration)
		rec.logger.Warn("cache lookup failed", slog.Any("error", err), slog.String("cache_key", key))
		return cache.Entry{}, false
	case !found:
		p.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, duration)
		return cache.Entry{}, false
	case entry.Fresh(p.now()):
		p.metrics.ObserveCacheLookup(metrics.CacheLookupHit, duration)
	default:
		p.metrics.ObserveCacheLookup(metrics.CacheLookupStale, duration)
	}
	return entry, true
}

// scheduleStore hands a copy of the successful response to the background
// writer. The client response never waits on it.
func (p *Proxy) scheduleStore(ctx context.Context, rec *requestRecord, key string, body []byte, cacheControl string) {
	header := http.Header{}
	header.Set("Content-Type", jsonContentType)
	header.Set("Cache-Control", cacheControl)
	entry, ok := cache.NewEntry(http.StatusOK, body, header, p.now(), p.freshMaxAge)
	if !ok {
		return
	}
	if err := p.writer.Schedule(ctx, key, entry, rec.correlationID); err != nil {
		rec.logger.Warn("cache store not scheduled", slog.Any("error", err), slog.String("cache_key", key))
	}
}

func (p *Proxy) writeDictionaryBody(w http.ResponseWriter, r *http.Request, body []byte, cacheControl, servedFrom string) {
	w.Header().Set("Content-Type", jsonContentType)
	w.Header().Set("Cache-Control", cacheControl)
	if servedFrom != "" {
		w.Header().Set("X-Served-From", servedFrom)
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		p.logger.Error("dictionary response write failed", slog.Any("error", err))
	}
}
