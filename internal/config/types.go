package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the picsum binary understands.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Cache  CacheConfig  `koanf:"cache"`
	Loader LoaderConfig `koanf:"loader"`
	Photos PhotosConfig `koanf:"photos"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig describes the image cache tiers, fastest first: memory, the
// optional shared valkey tier, then the persistent tier.
type CacheConfig struct {
	MemoryBudgetMB int               `koanf:"memoryBudgetMB"`
	Persistent     string            `koanf:"persistent"`
	Directory      string            `koanf:"directory"`
	BoltPath       string            `koanf:"boltPath"`
	Valkey         CacheValkeyConfig `koanf:"valkey"`
}

type CacheValkeyConfig struct {
	Enabled    bool                 `koanf:"enabled"`
	Address    string               `koanf:"address"`
	Username   string               `koanf:"username"`
	Password   string               `koanf:"password"`
	DB         int                  `koanf:"db"`
	Prefix     string               `koanf:"prefix"`
	TTLSeconds int                  `koanf:"ttlSeconds"`
	TLS        CacheValkeyTLSConfig `koanf:"tls"`
}

type CacheValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// LoaderConfig bounds the image fetch scheduler.
type LoaderConfig struct {
	MaxConcurrent       int    `koanf:"maxConcurrent"`
	FetchTimeoutSeconds int    `koanf:"fetchTimeoutSeconds"`
	UserAgent           string `koanf:"userAgent"`
	MaxBodyBytes        int64  `koanf:"maxBodyBytes"`
}

// PhotosConfig drives the paginated list sync and the local photo index.
type PhotosConfig struct {
	BaseURL       string `koanf:"baseURL"`
	TotalPages    int    `koanf:"totalPages"`
	PageSize      int    `koanf:"pageSize"`
	BatchSize     int    `koanf:"batchSize"`
	MaxAgeSeconds int    `koanf:"maxAgeSeconds"`
	StorePath     string `koanf:"storePath"`
	// DisplayWidth is the width photos are resized to when served to the list.
	DisplayWidth int `koanf:"displayWidth"`
}

// FetchTimeout converts the configured seconds into a duration; zero disables
// the per-task deadline.
func (c LoaderConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c CacheConfig) MemoryBudgetBytes() int64 {
	return int64(c.MemoryBudgetMB) * 1024 * 1024
}

// TTL is how long the shared tier keeps an entry; zero leaves eviction to the server.
func (c CacheValkeyConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c PhotosConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Cache.MemoryBudgetMB < 0 {
		return fmt.Errorf("config: cache.memoryBudgetMB invalid: %d", c.Cache.MemoryBudgetMB)
	}
	switch strings.TrimSpace(strings.ToLower(c.Cache.Persistent)) {
	case "", "file", "bolt", "none":
	default:
		return fmt.Errorf("config: cache.persistent unsupported: %s", c.Cache.Persistent)
	}
	if c.Cache.Valkey.Enabled && strings.TrimSpace(c.Cache.Valkey.Address) == "" {
		return errors.New("config: cache.valkey.address required when valkey is enabled")
	}
	if c.Cache.Valkey.TTLSeconds < 0 {
		return fmt.Errorf("config: cache.valkey.ttlSeconds invalid: %d", c.Cache.Valkey.TTLSeconds)
	}
	if c.Loader.MaxConcurrent <= 0 {
		return fmt.Errorf("config: loader.maxConcurrent invalid: %d", c.Loader.MaxConcurrent)
	}
	if c.Loader.FetchTimeoutSeconds < 0 {
		return fmt.Errorf("config: loader.fetchTimeoutSeconds invalid: %d", c.Loader.FetchTimeoutSeconds)
	}
	if c.Loader.MaxBodyBytes < 0 {
		return fmt.Errorf("config: loader.maxBodyBytes invalid: %d", c.Loader.MaxBodyBytes)
	}
	if _, err := url.ParseRequestURI(c.Photos.BaseURL); err != nil {
		return fmt.Errorf("config: photos.baseURL invalid: %w", err)
	}
	if c.Photos.TotalPages <= 0 || c.Photos.PageSize <= 0 || c.Photos.BatchSize <= 0 {
		return fmt.Errorf("config: photos paging invalid: totalPages=%d pageSize=%d batchSize=%d",
			c.Photos.TotalPages, c.Photos.PageSize, c.Photos.BatchSize)
	}
	if c.Photos.DisplayWidth <= 0 {
		return fmt.Errorf("config: photos.displayWidth invalid: %d", c.Photos.DisplayWidth)
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Cache: CacheConfig{
			MemoryBudgetMB: 100,
			Persistent:     "file",
			Valkey: CacheValkeyConfig{
				Prefix: "picsum:image:",
			},
		},
		Loader: LoaderConfig{
			MaxConcurrent:       10,
			FetchTimeoutSeconds: 30,
			UserAgent:           "picsum/1.0",
			MaxBodyBytes:        32 * 1024 * 1024,
		},
		Photos: PhotosConfig{
			BaseURL:       "https://picsum.photos",
			TotalPages:    10,
			PageSize:      100,
			BatchSize:     3,
			MaxAgeSeconds: 24 * 60 * 60,
			DisplayWidth:  600,
		},
	}
}
