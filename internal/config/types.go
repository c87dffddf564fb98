package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultDictionaryURL is the word search endpoint of the dictionary upstream.
	DefaultDictionaryURL = "https://jisho.org/api/v1/search/words"
	// DefaultHandwritingURL is the handwriting recognition endpoint.
	DefaultHandwritingURL = "https://www.google.com/inputtools/request?ime=handwriting&app=translate&cs=1"
	// DefaultCacheNamespace prefixes every dictionary cache key.
	DefaultCacheNamespace = "https://cache.minireader.local/v3"
)

// Config holds every server-level option plus the upstream definitions.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstreams UpstreamsConfig `koanf:"upstreams"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle.
type ServerConfig struct {
	Listen    ListenConfig      `koanf:"listen"`
	Admin     AdminConfig       `koanf:"admin"`
	Logging   LoggingConfig     `koanf:"logging"`
	Cache     ServerCacheConfig `koanf:"cache"`
	Templates TemplatesConfig   `koanf:"templates"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port" validate:"gte=0,lte=65535"`
}

// AdminConfig describes the listener serving /metrics and /healthz. It is kept
// apart from the public listener because every public path is a dictionary lookup.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
	Port    int    `koanf:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format            string `koanf:"format" validate:"omitempty,oneof=json text"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// TemplatesConfig controls header value templating. Only the listed
// environment variables are readable from templates.
type TemplatesConfig struct {
	AllowedEnv []string `koanf:"allowedEnv" validate:"dive,required"`
}

type ServerCacheConfig struct {
	Backend               string                 `koanf:"backend"`
	Namespace             string                 `koanf:"namespace" validate:"required"`
	StaleRetentionSeconds int                    `koanf:"staleRetentionSeconds" validate:"gte=0"`
	MaxEntries            int                    `koanf:"maxEntries" validate:"gte=0"`
	WriteTimeoutSeconds   int                    `koanf:"writeTimeoutSeconds" validate:"gte=0"`
	Redis                 ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db" validate:"gte=0"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// UpstreamsConfig groups the two third-party services the proxy calls.
type UpstreamsConfig struct {
	Dictionary  DictionaryUpstreamConfig  `koanf:"dictionary"`
	Handwriting HandwritingUpstreamConfig `koanf:"handwriting"`
}

// DictionaryUpstreamConfig drives the dictionary lookup flow. Headers form the
// browser profile sent on every attempt; HeadersFile, when set, is merged on top
// and watched for changes.
type DictionaryUpstreamConfig struct {
	URL                 string            `koanf:"url" validate:"required,url"`
	TimeoutSeconds      int               `koanf:"timeoutSeconds" validate:"gte=0"`
	Headers             map[string]string `koanf:"headers"`
	HeadersFile         string            `koanf:"headersFile"`
	FreshMaxAgeSeconds  int               `koanf:"freshMaxAgeSeconds" validate:"gt=0"`
	StaleMaxAgeSeconds  int               `koanf:"staleMaxAgeSeconds" validate:"gt=0"`
	ServeFreshFromCache bool              `koanf:"serveFreshFromCache"`
	Retry               RetryConfig       `koanf:"retry"`

	// ConfiguredHeaders keeps Headers as loaded, before the profile file was
	// merged in, so a reload can drop names the file no longer lists.
	ConfiguredHeaders map[string]string `koanf:"-"`
}

// RetryConfig mirrors retrypolicy.Policy in configuration form.
type RetryConfig struct {
	MaxAttempts          int   `koanf:"maxAttempts" validate:"gte=1,lte=10"`
	BackoffMillis        int   `koanf:"backoffMillis" validate:"gte=0"`
	NonRetryableStatuses []int `koanf:"nonRetryableStatuses" validate:"dive,gte=400,lte=599"`
}

// HandwritingUpstreamConfig drives the single-attempt handwriting relay.
type HandwritingUpstreamConfig struct {
	URL            string            `koanf:"url" validate:"required,url"`
	TimeoutSeconds int               `koanf:"timeoutSeconds" validate:"gte=0"`
	Headers        map[string]string `koanf:"headers"`
	MaxBodyBytes   int64             `koanf:"maxBodyBytes" validate:"gt=0"`
}

// Timeout converts TimeoutSeconds to a duration; zero means no client-side limit.
func (c DictionaryUpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout converts TimeoutSeconds to a duration; zero means no client-side limit.
func (c HandwritingUpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Backoff converts BackoffMillis to a duration.
func (c RetryConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMillis) * time.Millisecond
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if err := validateStruct(c); err != nil {
		return err
	}
	if c.Server.Listen.Port == 0 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Admin.Enabled && c.Server.Admin.Port == 0 {
		return fmt.Errorf("config: admin.port invalid: %d", c.Server.Admin.Port)
	}
	if c.Server.Admin.Enabled && c.Server.Admin.Port == c.Server.Listen.Port &&
		c.Server.Admin.Address == c.Server.Listen.Address {
		return errors.New("config: admin listener must not share the public listener address")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if _, err := url.Parse(c.Server.Cache.Namespace); err != nil {
		return fmt.Errorf("config: server.cache.namespace invalid: %w", err)
	}
	for name := range c.Upstreams.Dictionary.Headers {
		if strings.TrimSpace(name) == "" {
			return errors.New("config: upstreams.dictionary.headers contains an empty name")
		}
	}
	for name := range c.Upstreams.Handwriting.Headers {
		if strings.TrimSpace(name) == "" {
			return errors.New("config: upstreams.handwriting.headers contains an empty name")
		}
	}
	return nil
}

// DefaultConfig returns the baseline values used in production.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8787,
			},
			Admin: AdminConfig{
				Enabled: true,
				Address: "127.0.0.1",
				Port:    9090,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend:               "memory",
				Namespace:             DefaultCacheNamespace,
				StaleRetentionSeconds: 86400,
				MaxEntries:            10000,
				WriteTimeoutSeconds:   5,
			},
		},
		Upstreams: UpstreamsConfig{
			Dictionary: DictionaryUpstreamConfig{
				URL:                DefaultDictionaryURL,
				TimeoutSeconds:     10,
				Headers:            DefaultDictionaryHeaders(),
				FreshMaxAgeSeconds: 600,
				StaleMaxAgeSeconds: 60,
				Retry: RetryConfig{
					MaxAttempts:          2,
					BackoffMillis:        200,
					NonRetryableStatuses: []int{400, 401, 403, 404},
				},
			},
			Handwriting: HandwritingUpstreamConfig{
				URL:            DefaultHandwritingURL,
				TimeoutSeconds: 10,
				Headers:        DefaultHandwritingHeaders(),
				MaxBodyBytes:   1 << 20,
			},
		},
	}
}

// DefaultDictionaryHeaders is the desktop Chrome profile the dictionary's bot
// defense accepts. Requests without it are rejected with 403.
func DefaultDictionaryHeaders() map[string]string {
	return map[string]string{
		"User-Agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Accept":             "application/json, text/plain, */*",
		"Accept-Language":    "en-US,en;q=0.9,ja;q=0.8",
		"Accept-Encoding":    "gzip, deflate, br",
		"Referer":            "https://jisho.org/",
		"Origin":             "https://jisho.org",
		"Sec-Ch-Ua":          `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
		"Sec-Ch-Ua-Mobile":   "?0",
		"Sec-Ch-Ua-Platform": `"Windows"`,
		"Sec-Fetch-Dest":     "empty",
		"Sec-Fetch-Mode":     "cors",
		"Sec-Fetch-Site":     "same-origin",
		"Connection":         "keep-alive",
	}
}

// DefaultHandwritingHeaders identifies requests as coming from the translate web client.
func DefaultHandwritingHeaders() map[string]string {
	return map[string]string{
		"Content-Type": "application/json; charset=UTF-8",
		"Accept":       "application/json",
		"Origin":       "https://translate.google.com",
		"Referer":      "https://translate.google.com/",
	}
}
