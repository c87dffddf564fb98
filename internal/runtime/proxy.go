package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/minireader/internal/metrics"
	"github.com/l0p7/minireader/internal/runtime/cache"
	"github.com/l0p7/minireader/internal/runtime/resultcaching"
	"github.com/l0p7/minireader/internal/runtime/retrypolicy"
	"github.com/l0p7/minireader/internal/runtime/upstream"
)

const (
	defaultCacheNamespace    = "https://cache.minireader.local/v3"
	defaultFreshMaxAge       = 600 * time.Second
	defaultStaleMaxAge       = 60 * time.Second
	defaultStaleRetention    = 24 * time.Hour
	defaultMaxEntries        = 10000
	defaultHandwritingLimit  = 1 << 20
	defaultCorrelationHeader = "X-Request-ID"
)

// Error codes carried in the "error" field of every error envelope.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeBadRequestBody      = "BAD_REQUEST_BODY"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeUpstreamFetchFailed = "UPSTREAM_FETCH_FAILED"
	CodeJishoUnavailable    = "JISHO_UNAVAILABLE"
)

// DictionaryUpstream searches the dictionary API for a keyword.
type DictionaryUpstream interface {
	Name() string
	Search(ctx context.Context, keyword string) (upstream.Response, error)
}

// HandwritingUpstream forwards an ink payload to the recognition API.
type HandwritingUpstream interface {
	Name() string
	Recognize(ctx context.Context, payload []byte) (upstream.Response, error)
}

// ProxyOptions wires the proxy's collaborators. Zero values fall back to the
// deployed defaults.
type ProxyOptions struct {
	Dictionary  DictionaryUpstream
	Handwriting HandwritingUpstream

	Cache             cache.ResponseCache
	CacheNamespace    string
	CacheWriteTimeout time.Duration

	Retry               retrypolicy.Policy
	FreshMaxAge         time.Duration
	StaleMaxAge         time.Duration
	ServeFreshFromCache bool

	HandwritingMaxBodyBytes int64
	CorrelationHeader       string

	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Proxy answers browser requests on behalf of the dictionary and handwriting
// upstreams.
type Proxy struct {
	dictionary  DictionaryUpstream
	handwriting HandwritingUpstream

	cache     cache.ResponseCache
	namespace string
	writer    *resultcaching.Writer

	retry        retrypolicy.Policy
	freshMaxAge  time.Duration
	staleMaxAge  time.Duration
	serveFresh   bool
	maxBodyBytes int64

	correlationHeader string
	metrics           *metrics.Recorder
	logger            *slog.Logger
	now               func() time.Time
}

// NewProxy builds the request handlers. A nil cache gets an in-memory cache.
func NewProxy(logger *slog.Logger, opts ProxyOptions) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	responseCache := opts.Cache
	if responseCache == nil {
		responseCache = cache.NewMemory(defaultStaleRetention, defaultMaxEntries)
	}
	namespace := opts.CacheNamespace
	if namespace == "" {
		namespace = defaultCacheNamespace
	}
	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retrypolicy.Default()
	}
	freshMaxAge := opts.FreshMaxAge
	if freshMaxAge <= 0 {
		freshMaxAge = defaultFreshMaxAge
	}
	staleMaxAge := opts.StaleMaxAge
	if staleMaxAge <= 0 {
		staleMaxAge = defaultStaleMaxAge
	}
	maxBody := opts.HandwritingMaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultHandwritingLimit
	}
	correlationHeader := opts.CorrelationHeader
	if correlationHeader == "" {
		correlationHeader = defaultCorrelationHeader
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	proxyLogger := logger.With(slog.String("agent", "proxy"))
	return &Proxy{
		dictionary:  opts.Dictionary,
		handwriting: opts.Handwriting,
		cache:       responseCache,
		namespace:   namespace,
		writer: resultcaching.New(resultcaching.Config{
			Cache:   responseCache,
			Timeout: opts.CacheWriteTimeout,
			Logger:  logger,
			Metrics: opts.Metrics,
		}),
		retry:             policy,
		freshMaxAge:       freshMaxAge,
		staleMaxAge:       staleMaxAge,
		serveFresh:        opts.ServeFreshFromCache,
		maxBodyBytes:      maxBody,
		correlationHeader: correlationHeader,
		metrics:           opts.Metrics,
		logger:            proxyLogger,
		now:               now,
	}
}

// Flush waits for the cache writes scheduled so far.
func (p *Proxy) Flush(ctx context.Context) error {
	return p.writer.Wait(ctx)
}

// Close lets pending cache writes finish and then releases the cache.
func (p *Proxy) Close(ctx context.Context) error {
	writeErr := p.writer.Close(ctx)
	closeErr := p.cache.Close(ctx)
	return errors.Join(writeErr, closeErr)
}

// ServePreflight satisfies CORS preflight requests on any path.
func (p *Proxy) ServePreflight(w http.ResponseWriter, r *http.Request) {
	rec := p.begin(w, r, routePreflight)
	w.WriteHeader(http.StatusOK)
	rec.finish(http.StatusOK, outcomePreflight)
}

// ServeMethodNotAllowed rejects verbs a route does not serve.
func (p *Proxy) ServeMethodNotAllowed(w http.ResponseWriter, r *http.Request, route, allowed string) {
	rec := p.begin(w, r, route)
	w.Header().Set("Allow", allowed)
	p.WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Use "+allowed)
	rec.finish(http.StatusMethodNotAllowed, outcomeRejected)
}

type errorEnvelope struct {
	Error    string `json:"error"`
	Upstream string `json:"upstream,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// WriteError renders the JSON error envelope shared by every failure path.
func (p *Proxy) WriteError(w http.ResponseWriter, status int, code, detail string) {
	p.writeEnvelope(w, status, errorEnvelope{Error: code, Detail: detail})
}

func (p *Proxy) writeEnvelope(w http.ResponseWriter, status int, payload errorEnvelope) {
	setCORSHeaders(w.Header())
	w.Header().Set("Content-Type", jsonContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

// ServeHealth reports cache occupancy and background write backlog.
func (p *Proxy) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	cacheSize, err := p.cache.Size(r.Context())
	if err != nil {
		p.logger.Error("cache size query failed", slog.Any("error", err))
		cacheSize = 0
		status = "degraded"
	}
	payload := map[string]any{
		"status":        status,
		"cacheEntries":  cacheSize,
		"pendingWrites": p.writer.Pending(),
		"observedAt":    p.now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}
