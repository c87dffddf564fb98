package config

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForPath(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.maxentries":                         "server.cache.maxEntries",
			"server.cache.redis.tls.cafile":                   "server.cache.redis.tls.caFile",
			"server.cache.staleretentionseconds":              "server.cache.staleRetentionSeconds",
			"server.cache.writetimeoutseconds":                "server.cache.writeTimeoutSeconds",
			"server.logging.correlationheader":                "server.logging.correlationHeader",
			"server.templates.allowedenv":                     "server.templates.allowedEnv",
			"upstreams.dictionary.freshmaxageseconds":         "upstreams.dictionary.freshMaxAgeSeconds",
			"upstreams.dictionary.headersfile":                "upstreams.dictionary.headersFile",
			"upstreams.dictionary.retry.backoffmillis":        "upstreams.dictionary.retry.backoffMillis",
			"upstreams.dictionary.retry.maxattempts":          "upstreams.dictionary.retry.maxAttempts",
			"upstreams.dictionary.retry.nonretryablestatuses": "upstreams.dictionary.retry.nonRetryableStatuses",
			"upstreams.dictionary.servefreshfromcache":        "upstreams.dictionary.serveFreshFromCache",
			"upstreams.dictionary.stalemaxageseconds":         "upstreams.dictionary.staleMaxAgeSeconds",
			"upstreams.dictionary.timeoutseconds":             "upstreams.dictionary.timeoutSeconds",
			"upstreams.handwriting.maxbodybytes":              "upstreams.handwriting.maxBodyBytes",
			"upstreams.handwriting.timeoutseconds":            "upstreams.handwriting.timeoutSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			if prefix, name, ok := headerEnvKey(lower); ok {
				return prefix + name
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Inline headers overlay the built-in profiles by case-insensitive name.
	cfg.Upstreams.Dictionary.Headers = MergeHeaders(DefaultDictionaryHeaders(), cfg.Upstreams.Dictionary.Headers)
	cfg.Upstreams.Handwriting.Headers = MergeHeaders(DefaultHandwritingHeaders(), cfg.Upstreams.Handwriting.Headers)
	cfg.Upstreams.Dictionary.ConfiguredHeaders = cloneHeaders(cfg.Upstreams.Dictionary.Headers)
	if path := strings.TrimSpace(cfg.Upstreams.Dictionary.HeadersFile); path != "" {
		profile, err := LoadHeaderProfile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Upstreams.Dictionary.Headers = MergeHeaders(cfg.Upstreams.Dictionary.Headers, profile)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadHeaderProfile reads a flat header name -> value document. The parser is
// picked from the file extension.
func LoadHeaderProfile(path string) (map[string]string, error) {
	parser, err := parserForPath(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load header profile %s: %w", path, err)
	}
	profile := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		name := strings.TrimSpace(key)
		if name == "" {
			continue
		}
		profile[name] = k.String(key)
	}
	if len(profile) == 0 {
		return nil, fmt.Errorf("config: header profile %s is empty", path)
	}
	return profile, nil
}

// MergeHeaders overlays override on base. Names are compared case-insensitively
// so a profile can replace a default regardless of spelling.
func MergeHeaders(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	index := make(map[string]string, len(base)+len(override))
	for name, value := range base {
		merged[name] = value
		index[strings.ToLower(name)] = name
	}
	for name, value := range override {
		if existing, ok := index[strings.ToLower(name)]; ok {
			delete(merged, existing)
		}
		merged[name] = value
		index[strings.ToLower(name)] = name
	}
	return merged
}

var headerEnvPrefixes = []string{
	"upstreams.dictionary.headers.",
	"upstreams.handwriting.headers.",
}

// headerEnvKey maps the tail of a header env key to an HTTP header name
// (USER_AGENT -> User-Agent).
func headerEnvKey(lower string) (string, string, bool) {
	for _, prefix := range headerEnvPrefixes {
		if name, ok := strings.CutPrefix(lower, prefix); ok && name != "" {
			return prefix, textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-")), true
		}
	}
	return "", "", false
}

func parserForPath(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q for %s", ext, path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
// Header profiles are left out: koanf merges keys case-sensitively, so they are
// folded in after unmarshal.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"admin": map[string]any{
				"enabled": cfg.Server.Admin.Enabled,
				"address": cfg.Server.Admin.Address,
				"port":    cfg.Server.Admin.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"templates": map[string]any{
				"allowedEnv": cfg.Server.Templates.AllowedEnv,
			},
			"cache": map[string]any{
				"backend":               cfg.Server.Cache.Backend,
				"namespace":             cfg.Server.Cache.Namespace,
				"staleRetentionSeconds": cfg.Server.Cache.StaleRetentionSeconds,
				"maxEntries":            cfg.Server.Cache.MaxEntries,
				"writeTimeoutSeconds":   cfg.Server.Cache.WriteTimeoutSeconds,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
		"upstreams": map[string]any{
			"dictionary": map[string]any{
				"url":                 cfg.Upstreams.Dictionary.URL,
				"timeoutSeconds":      cfg.Upstreams.Dictionary.TimeoutSeconds,
				"headersFile":         cfg.Upstreams.Dictionary.HeadersFile,
				"freshMaxAgeSeconds":  cfg.Upstreams.Dictionary.FreshMaxAgeSeconds,
				"staleMaxAgeSeconds":  cfg.Upstreams.Dictionary.StaleMaxAgeSeconds,
				"serveFreshFromCache": cfg.Upstreams.Dictionary.ServeFreshFromCache,
				"retry": map[string]any{
					"maxAttempts":          cfg.Upstreams.Dictionary.Retry.MaxAttempts,
					"backoffMillis":        cfg.Upstreams.Dictionary.Retry.BackoffMillis,
					"nonRetryableStatuses": cfg.Upstreams.Dictionary.Retry.NonRetryableStatuses,
				},
			},
			"handwriting": map[string]any{
				"url":            cfg.Upstreams.Handwriting.URL,
				"timeoutSeconds": cfg.Upstreams.Handwriting.TimeoutSeconds,
				"maxBodyBytes":   cfg.Upstreams.Handwriting.MaxBodyBytes,
			},
		},
	}
}
