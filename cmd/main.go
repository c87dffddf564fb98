package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/minireader/internal/config"
	"github.com/l0p7/minireader/internal/logging"
	"github.com/l0p7/minireader/internal/metrics"
	"github.com/l0p7/minireader/internal/runtime"
	"github.com/l0p7/minireader/internal/runtime/cache"
	"github.com/l0p7/minireader/internal/runtime/retrypolicy"
	"github.com/l0p7/minireader/internal/runtime/upstream"
	"github.com/l0p7/minireader/internal/server"
	"github.com/l0p7/minireader/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchHeaderProfile(context.Context, config.Config, func(map[string]string), func(error)) (profileWatcher, error)
}

type profileWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return fileLoader{config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(name, address string, port int, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(name, address, port, logger, handler)
}

// fileLoader narrows the concrete watcher type so tests can substitute one.
type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchHeaderProfile(ctx context.Context, cfg config.Config, onChange func(map[string]string), onError func(error)) (profileWatcher, error) {
	watcher, err := l.Loader.WatchHeaderProfile(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "MINIREADER", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	app, err := buildApplication(cfg, logger, metricsRecorder)
	if err != nil {
		return err
	}
	defer app.close(logger)

	if cfg.Upstreams.Dictionary.HeadersFile != "" {
		watcher, err := loader.WatchHeaderProfile(ctx, cfg, func(headers map[string]string) {
			rendered, err := app.renderer.RenderHeaders(headers)
			if err != nil {
				logger.Error("header profile render failed", slog.Any("error", err))
				return
			}
			app.dictionary.SetHeaders(rendered)
			logger.Info("dictionary header profile reloaded", slog.Int("header_count", len(rendered)))
		}, func(err error) {
			if err != nil {
				logger.Error("header profile watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("header profile watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	publicSrv, err := newHTTPServer("public", cfg.Server.Listen.Address, cfg.Server.Listen.Port, logger, server.NewProxyHandler(app.proxy))
	if err != nil {
		return fmt.Errorf("construct public server: %w", err)
	}
	servers := []runnableServer{publicSrv}
	if cfg.Server.Admin.Enabled {
		adminSrv, err := newHTTPServer("admin", cfg.Server.Admin.Address, cfg.Server.Admin.Port, logger,
			server.NewAdminHandler(metricsRecorder.Handler(), app.proxy.ServeHealth))
		if err != nil {
			return fmt.Errorf("construct admin server: %w", err)
		}
		servers = append(servers, adminSrv)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		group.Go(func() error {
			return srv.Run(groupCtx)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// application holds the long-lived pieces shared by both listeners.
type application struct {
	proxy       *runtime.Proxy
	dictionary  *upstream.DictionaryClient
	handwriting *upstream.HandwritingClient
	renderer    *templates.Renderer
}

func buildApplication(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*application, error) {
	renderer := templates.NewRenderer(cfg.Server.Templates.AllowedEnv)
	if allowed := renderer.AllowedEnv(); len(allowed) > 0 {
		logger.Info("header templates may read environment", slog.Any("allowed_env", allowed))
	}
	dictCfg := cfg.Upstreams.Dictionary
	dictHeaders, err := renderer.RenderHeaders(dictCfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("render dictionary headers: %w", err)
	}
	hwCfg := cfg.Upstreams.Handwriting
	hwHeaders, err := renderer.RenderHeaders(hwCfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("render handwriting headers: %w", err)
	}

	dictionary, err := upstream.NewDictionaryClient(upstream.Options{
		URL:     dictCfg.URL,
		Timeout: dictCfg.Timeout(),
		Headers: dictHeaders,
		Logger:  logger.With(slog.String("agent", "dictionary_upstream")),
	})
	if err != nil {
		return nil, fmt.Errorf("construct dictionary client: %w", err)
	}

	handwriting, err := upstream.NewHandwritingClient(upstream.Options{
		URL:     hwCfg.URL,
		Timeout: hwCfg.Timeout(),
		Headers: hwHeaders,
		Logger:  logger.With(slog.String("agent", "handwriting_upstream")),
	})
	if err != nil {
		_ = dictionary.Close()
		return nil, fmt.Errorf("construct handwriting client: %w", err)
	}

	responseCache := buildResponseCache(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)

	retryCfg := dictCfg.Retry
	proxy := runtime.NewProxy(logger, runtime.ProxyOptions{
		Dictionary:        dictionary,
		Handwriting:       handwriting,
		Cache:             responseCache,
		CacheNamespace:    cfg.Server.Cache.Namespace,
		CacheWriteTimeout: time.Duration(cfg.Server.Cache.WriteTimeoutSeconds) * time.Second,
		Retry: retrypolicy.Policy{
			MaxAttempts:          uint(retryCfg.MaxAttempts),
			Backoff:              retryCfg.Backoff(),
			NonRetryableStatuses: retryCfg.NonRetryableStatuses,
		},
		FreshMaxAge:             time.Duration(dictCfg.FreshMaxAgeSeconds) * time.Second,
		StaleMaxAge:             time.Duration(dictCfg.StaleMaxAgeSeconds) * time.Second,
		ServeFreshFromCache:     dictCfg.ServeFreshFromCache,
		HandwritingMaxBodyBytes: hwCfg.MaxBodyBytes,
		CorrelationHeader:       cfg.Server.Logging.CorrelationHeader,
		Metrics:                 recorder,
	})

	return &application{proxy: proxy, dictionary: dictionary, handwriting: handwriting, renderer: renderer}, nil
}

// close lets pending cache writes finish before the cache and clients go away.
func (a *application) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.proxy.Close(ctx); err != nil {
		logger.Error("cache shutdown failed", slog.Any("error", err))
	}
	if err := errors.Join(a.dictionary.Close(), a.handwriting.Close()); err != nil {
		logger.Error("upstream client shutdown failed", slog.Any("error", err))
	}
}

func buildResponseCache(logger *slog.Logger, cfg config.ServerCacheConfig) cache.ResponseCache {
	retention := time.Duration(cfg.StaleRetentionSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory response cache",
				slog.Duration("stale_retention", retention),
				slog.Int("max_entries", cfg.MaxEntries),
			)
		}
		return cache.NewMemory(retention, cfg.MaxEntries)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			Retention: retention,
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory(retention, cfg.MaxEntries)
		}
		if logger != nil {
			logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		}
		return redisCache
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory(retention, cfg.MaxEntries)
	}
}
