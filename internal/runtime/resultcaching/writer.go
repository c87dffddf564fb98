// Package resultcaching persists successful dictionary responses after the
// client has been answered. Writes are detached from the request lifetime so a
// disconnecting client does not abort them, and Close waits for every write
// that was already scheduled.
package resultcaching

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/minireader/internal/metrics"
	"github.com/l0p7/minireader/internal/runtime/cache"
)

// DefaultTimeout bounds a single background write.
const DefaultTimeout = 5 * time.Second

// ErrClosed is returned by Schedule after Close was called.
var ErrClosed = errors.New("resultcaching: writer closed")

// Config controls the writer.
type Config struct {
	Cache   cache.ResponseCache
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Writer runs cache stores as tracked background tasks.
type Writer struct {
	cache   cache.ResponseCache
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu       sync.Mutex
	closed   bool
	inflight int64
	// idle is closed when inflight drops back to zero.
	idle chan struct{}
}

// New constructs a writer with the supplied configuration.
func New(cfg Config) *Writer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cache:   cfg.Cache,
		timeout: timeout,
		logger:  logger.With(slog.String("agent", "result_caching")),
		metrics: cfg.Metrics,
	}
}

// Schedule stores entry under key in the background and returns immediately.
// ctx only contributes its values; its cancellation is ignored.
func (w *Writer) Schedule(ctx context.Context, key string, entry cache.Entry, correlationID string) error {
	if w.cache == nil {
		return errors.New("resultcaching: cache missing")
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.inflight == 0 {
		w.idle = make(chan struct{})
	}
	w.inflight++
	w.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer w.done()

		storeCtx, cancel := context.WithTimeout(detached, w.timeout)
		defer cancel()
		w.store(storeCtx, key, entry, correlationID)
	}()
	return nil
}

func (w *Writer) store(ctx context.Context, key string, entry cache.Entry, correlationID string) {
	start := time.Now()
	err := w.cache.Store(ctx, key, entry)
	outcome := metrics.CacheStoreStored
	if err != nil {
		outcome = metrics.CacheStoreError
	}
	w.metrics.ObserveCacheStore(outcome, time.Since(start))

	if err != nil {
		logger := w.logger
		if correlationID != "" {
			logger = logger.With(slog.String("correlation_id", correlationID))
		}
		logger.Error("cache store failed", slog.Any("error", err), slog.String("cache_key", key))
		return
	}
	w.logger.Debug("cache entry stored",
		slog.String("cache_key", key),
		slog.Time("expires_at", entry.ExpiresAt),
	)
}

func (w *Writer) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight--
	if w.inflight == 0 {
		close(w.idle)
		w.idle = nil
	}
}

// Pending reports the number of writes still running.
func (w *Writer) Pending() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// Wait blocks until every scheduled write finished or ctx ends.
func (w *Writer) Wait(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new writes and waits for the scheduled ones or for ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Wait(ctx)
}
