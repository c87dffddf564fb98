package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	routePreflight   = "preflight"
	routeDictionary  = "dictionary"
	routeHandwriting = "handwriting"
)

const (
	outcomePreflight   = "preflight"
	outcomeRejected    = "rejected"
	outcomeFresh       = "fresh"
	outcomeCacheHit    = "cache_hit"
	outcomeStale       = "stale"
	outcomeUnavailable = "unavailable"
	outcomeRelayed     = "relayed"
	outcomeFetchFailed = "fetch_failed"
)

// requestRecord follows one request from arrival to the final log line.
type requestRecord struct {
	ctx           context.Context
	proxy         *Proxy
	route         string
	correlationID string
	start         time.Time
	logger        *slog.Logger

	attempts  uint
	fromCache bool
}

// begin stamps the CORS and correlation headers and starts the clock.
func (p *Proxy) begin(w http.ResponseWriter, r *http.Request, route string) *requestRecord {
	correlationID := p.requestCorrelationID(r)
	setCORSHeaders(w.Header())
	w.Header().Set(p.correlationHeader, correlationID)
	return &requestRecord{
		ctx:           r.Context(),
		proxy:         p,
		route:         route,
		correlationID: correlationID,
		start:         time.Now(),
		logger: p.logger.With(
			slog.String("route", route),
			slog.String("correlation_id", correlationID),
		),
	}
}

func (rec *requestRecord) finish(status int, outcome string) {
	duration := time.Since(rec.start)
	attrs := []slog.Attr{
		slog.String("status", http.StatusText(status)),
		slog.Int("http_status", status),
		slog.String("outcome", outcome),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if rec.route == routeDictionary {
		attrs = append(attrs,
			slog.Uint64("attempts", uint64(rec.attempts)),
			slog.Bool("from_cache", rec.fromCache),
		)
	}
	rec.logger.LogAttrs(rec.ctx, slog.LevelInfo, "request completed", attrs...)
	rec.proxy.metrics.ObserveRequest(rec.route, outcome, status, duration)
}
