package imagecache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/l0p7/picsum/internal/logging"
	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	// Prefix namespaces every key so Clear only touches this cache's entries.
	Prefix string
	// TTL bounds how long an entry lives on the server; zero keeps it until evicted.
	TTL time.Duration
	// Timeout bounds each command; defaults to one second.
	Timeout time.Duration
	TLS     ValkeyTLSConfig
}

// ValkeyTier shares cached images between processes through a valkey or
// redis server. Server errors are logged and reported as misses.
type ValkeyTier struct {
	client  valkey.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func NewValkey(cfg ValkeyConfig, logger *slog.Logger) (*ValkeyTier, error) {
	if cfg.Address == "" {
		return nil, errors.New("imagecache: valkey address required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("imagecache: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("imagecache: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("imagecache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imagecache: valkey ping: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ValkeyTier{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		timeout: timeout,
		logger:  logger.With(slog.String("tier", "valkey")),
	}, nil
}

func (v *ValkeyTier) Name() string { return "valkey" }

func (v *ValkeyTier) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	resp := v.client.Do(ctx, v.client.B().Get().Key(v.prefix+key).Build())
	if err := resp.Error(); err != nil {
		if !errors.Is(err, valkey.Nil) {
			v.logger.Debug("cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	payload, err := resp.AsBytes()
	if err != nil {
		v.logger.Debug("cache read failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return payload, true
}

func (v *ValkeyTier) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	var err error
	if v.ttl > 0 {
		err = v.client.Do(ctx, v.client.B().Set().Key(v.prefix+key).Value(valkey.BinaryString(value)).Px(v.ttl).Build()).Error()
	} else {
		err = v.client.Do(ctx, v.client.B().Set().Key(v.prefix+key).Value(valkey.BinaryString(value)).Build()).Error()
	}
	if err != nil {
		v.logger.Debug("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (v *ValkeyTier) Remove(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	if err := v.client.Do(ctx, v.client.B().Del().Key(v.prefix+key).Build()).Error(); err != nil {
		v.logger.Debug("cache remove failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Clear scans for keys under the tier's prefix and deletes them in batches.
func (v *ValkeyTier) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*v.timeout)
	defer cancel()
	var cursor uint64
	for {
		entry, err := v.client.Do(ctx, v.client.B().Scan().Cursor(cursor).Match(v.prefix+"*").Count(256).Build()).AsScanEntry()
		if err != nil {
			v.logger.Warn("cache clear failed", slog.Any("error", err))
			return
		}
		if len(entry.Elements) > 0 {
			if err := v.client.Do(ctx, v.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				v.logger.Warn("cache clear failed", slog.Any("error", err))
				return
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return
		}
	}
}

func (v *ValkeyTier) Close() error {
	v.client.Close()
	return nil
}
