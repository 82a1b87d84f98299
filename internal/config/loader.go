package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

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

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the non-empty configuration files the loader reads.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
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
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.memorybudgetmb":       "cache.memoryBudgetMB",
			"cache.boltpath":             "cache.boltPath",
			"cache.valkey.ttlseconds":    "cache.valkey.ttlSeconds",
			"cache.valkey.tls.cafile":    "cache.valkey.tls.caFile",
			"loader.maxconcurrent":       "loader.maxConcurrent",
			"loader.fetchtimeoutseconds": "loader.fetchTimeoutSeconds",
			"loader.useragent":           "loader.userAgent",
			"loader.maxbodybytes":        "loader.maxBodyBytes",
			"photos.baseurl":             "photos.baseURL",
			"photos.totalpages":          "photos.totalPages",
			"photos.pagesize":            "photos.pageSize",
			"photos.batchsize":           "photos.batchSize",
			"photos.maxageseconds":       "photos.maxAgeSeconds",
			"photos.storepath":           "photos.storePath",
			"photos.displaywidth":        "photos.displayWidth",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
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
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"memoryBudgetMB": cfg.Cache.MemoryBudgetMB,
			"persistent":     cfg.Cache.Persistent,
			"directory":      cfg.Cache.Directory,
			"boltPath":       cfg.Cache.BoltPath,
			"valkey": map[string]any{
				"enabled":    cfg.Cache.Valkey.Enabled,
				"address":    cfg.Cache.Valkey.Address,
				"username":   cfg.Cache.Valkey.Username,
				"password":   cfg.Cache.Valkey.Password,
				"db":         cfg.Cache.Valkey.DB,
				"prefix":     cfg.Cache.Valkey.Prefix,
				"ttlSeconds": cfg.Cache.Valkey.TTLSeconds,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
		},
		"loader": map[string]any{
			"maxConcurrent":       cfg.Loader.MaxConcurrent,
			"fetchTimeoutSeconds": cfg.Loader.FetchTimeoutSeconds,
			"userAgent":           cfg.Loader.UserAgent,
			"maxBodyBytes":        cfg.Loader.MaxBodyBytes,
		},
		"photos": map[string]any{
			"baseURL":       cfg.Photos.BaseURL,
			"totalPages":    cfg.Photos.TotalPages,
			"pageSize":      cfg.Photos.PageSize,
			"batchSize":     cfg.Photos.BatchSize,
			"maxAgeSeconds": cfg.Photos.MaxAgeSeconds,
			"storePath":     cfg.Photos.StorePath,
			"displayWidth":  cfg.Photos.DisplayWidth,
		},
	}
}
