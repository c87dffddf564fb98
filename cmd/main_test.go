package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/l0p7/minireader/internal/config"
	"github.com/l0p7/minireader/internal/logging"
	"github.com/l0p7/minireader/internal/runtime/cache"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return logging.Discard()
}

func TestBuildResponseCache(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.ServerCacheConfig
		verify func(t *testing.T, cache cache.ResponseCache)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{StaleRetentionSeconds: 60}
			},
			verify: func(t *testing.T, cache cache.ResponseCache) {
				require.NotNil(t, cache, "expected cache to be constructed")
				size, err := cache.Size(context.Background())
				require.NoError(t, err)
				require.Zero(t, size)
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{Backend: "memcached"}
			},
			verify: func(t *testing.T, cache cache.ResponseCache) {
				require.NoError(t, cache.Store(context.Background(), "k", cacheEntry()))
				_, ok, err := cache.Lookup(context.Background(), "k")
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				return config.ServerCacheConfig{
					Backend: "redis",
					Redis:   config.ServerRedisCacheConfig{Address: "127.0.0.1:1"},
				}
			},
			verify: func(t *testing.T, cache cache.ResponseCache) {
				require.NoError(t, cache.Store(context.Background(), "k", cacheEntry()))
			},
		},
		{
			name: "constructs redis cache",
			cfg: func(t *testing.T) config.ServerCacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.ServerCacheConfig{
					Backend:               "redis",
					StaleRetentionSeconds: 60,
					Redis: config.ServerRedisCacheConfig{
						Address: server.Addr(),
					},
				}
			},
			verify: func(t *testing.T, cache cache.ResponseCache) {
				ctx := context.Background()
				require.NoError(t, cache.Store(ctx, "redis:test", cacheEntry()))
				_, ok, err := cache.Lookup(ctx, "redis:test")
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			cache := buildResponseCache(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, cache.Close(context.Background()))
			})

			tc.verify(t, cache)
		})
	}
}

func cacheEntry() cache.Entry {
	now := time.Now().UTC()
	return cache.Entry{
		Status:    http.StatusOK,
		Body:      []byte(`{"data":[]}`),
		StoredAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "MINIREADER", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunLoggerError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "verbose"
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	err := run(context.Background(), "MINIREADER", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "configure logger")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: quietConfig()}
	})

	overrideHTTPServer(t, func(string, string, int, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "MINIREADER", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: quietConfig()}
	})

	overrideHTTPServer(t, func(name string, _ string, _ int, _ *slog.Logger, _ http.Handler) (runnableServer, error) {
		if name == "admin" {
			return &stubServer{err: errors.New("run failed")}, nil
		}
		return &stubServer{waitForCancel: true}, nil
	})

	err := run(context.Background(), "MINIREADER", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunStartsBothListenersAndStopsCleanly(t *testing.T) {
	var names []string
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: quietConfig()}
	})
	overrideHTTPServer(t, func(name string, _ string, _ int, _ *slog.Logger, _ http.Handler) (runnableServer, error) {
		names = append(names, name)
		return &stubServer{waitForCancel: true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, run(ctx, "MINIREADER", ""))
	require.Equal(t, []string{"public", "admin"}, names)
}

func TestRunSkipsAdminWhenDisabled(t *testing.T) {
	cfg := quietConfig()
	cfg.Server.Admin.Enabled = false
	var names []string
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})
	overrideHTTPServer(t, func(name string, _ string, _ int, _ *slog.Logger, _ http.Handler) (runnableServer, error) {
		names = append(names, name)
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "MINIREADER", ""))
	require.Equal(t, []string{"public"}, names)
}

func TestRunWatchesHeaderProfile(t *testing.T) {
	cfg := quietConfig()
	cfg.Upstreams.Dictionary.HeadersFile = "/etc/minireader/headers.yaml"
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(string, string, int, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "MINIREADER", ""))
	require.True(t, loader.watchSeen, "expected header profile watcher to start")
	require.True(t, stopped, "expected watcher to stop on shutdown")
}

func TestRunContinuesWhenWatcherFails(t *testing.T) {
	cfg := quietConfig()
	cfg.Upstreams.Dictionary.HeadersFile = "/etc/minireader/headers.yaml"
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg, watchErr: errors.New("inotify exhausted")}
	})
	overrideHTTPServer(t, func(string, string, int, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "MINIREADER", ""))
}

func TestBuildApplicationRejectsRelativeUpstream(t *testing.T) {
	cfg := quietConfig()
	cfg.Upstreams.Handwriting.URL = "/inputtools"

	_, err := buildApplication(cfg, newTestLogger(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct handwriting client")
}

func TestBuildApplicationRendersHeaderTemplates(t *testing.T) {
	t.Setenv("MINIREADER_TEST_CLEARANCE", "token-1")
	cfg := quietConfig()
	cfg.Server.Templates.AllowedEnv = []string{"MINIREADER_TEST_CLEARANCE"}
	cfg.Upstreams.Dictionary.Headers["Cookie"] = `cf_clearance={{ env "MINIREADER_TEST_CLEARANCE" }}`

	app, err := buildApplication(cfg, newTestLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.close(newTestLogger()) })

	require.Equal(t, "cf_clearance=token-1", app.dictionary.Headers()["Cookie"])
	require.Equal(t, "https://jisho.org/", app.dictionary.Headers()["Referer"])
}

func TestBuildApplicationLogsTemplateAllowList(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	cfg := quietConfig()
	cfg.Server.Templates.AllowedEnv = []string{"MINIREADER_TEST_CLEARANCE", " "}

	app, err := buildApplication(cfg, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.close(newTestLogger()) })

	require.Contains(t, buf.String(), `"allowed_env":["MINIREADER_TEST_CLEARANCE"]`)
}

func TestBuildApplicationRejectsBrokenHeaderTemplate(t *testing.T) {
	cfg := quietConfig()
	cfg.Upstreams.Handwriting.Headers["Origin"] = "{{ end }}"

	_, err := buildApplication(cfg, newTestLogger(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "render handwriting headers")
}

func quietConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "error"
	return cfg
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(string, string, int, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchHeaderProfile(context.Context, config.Config, func(map[string]string), func(error)) (profileWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err           error
	waitForCancel bool
}

func (s *stubServer) Run(ctx context.Context) error {
	if s.waitForCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}
