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
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/l0p7/picsum/internal/config"
	"github.com/l0p7/picsum/internal/gallery"
	"github.com/l0p7/picsum/internal/imagecache"
	"github.com/l0p7/picsum/internal/imageloader"
	"github.com/l0p7/picsum/internal/logging"
	"github.com/l0p7/picsum/internal/metrics"
	"github.com/l0p7/picsum/internal/photos"
	"github.com/l0p7/picsum/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Files() []string
	Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type fileConfigLoader struct {
	*config.Loader
}

func (l fileConfigLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	return l.Loader.Watch(ctx, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, path string) configLoader {
		return fileConfigLoader{config.NewLoader(envPrefix, path)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

type options struct {
	envPrefix  string
	configFile string
	forceSync  bool
	warm       int
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "path to configuration file")
	flag.StringVar(&opts.envPrefix, "env-prefix", "PICSUM", "environment variable prefix")
	flag.BoolVar(&opts.forceSync, "sync", false, "refresh the photo index even when it is fresh")
	flag.IntVar(&opts.warm, "warm", 0, "prefetch display images for the first N photos")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	loader := newConfigLoader(opts.envPrefix, opts.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, level, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	cache, memory := buildImageCache(logger.With(slog.String("agent", "cache_factory")), recorder, cfg.Cache)
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("image cache shutdown failed", slog.Any("error", err))
		}
	}()

	if len(loader.Files()) > 0 {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			applyLiveConfig(logger, level, memory, next)
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	storePath, err := photoStorePath(cfg.Photos)
	if err != nil {
		return err
	}
	store, err := photos.OpenStore(storePath)
	if err != nil {
		return fmt.Errorf("open photo index: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("photo index shutdown failed", slog.Any("error", err))
		}
	}()

	client := photos.NewClient(cfg.Photos.BaseURL, &http.Client{Timeout: cfg.Loader.FetchTimeout()}, cfg.Loader.UserAgent)
	initializer := photos.NewInitializer(client, store, photos.InitOptions{
		TotalPages: cfg.Photos.TotalPages,
		PageSize:   cfg.Photos.PageSize,
		BatchSize:  cfg.Photos.BatchSize,
		MaxAge:     cfg.Photos.MaxAge(),
	}, logger)
	if err := initializer.Run(ctx, opts.forceSync, func(p float64) {
		logger.Debug("photo sync progress", slog.Float64("fraction", p))
	}); err != nil {
		if errors.Is(err, photos.ErrCancelled) {
			return context.Canceled
		}
		logger.Warn("photo sync failed, serving existing index", slog.Int("photos", store.Count()), slog.Any("error", err))
	}

	queue := imageloader.NewSerialQueue()
	defer queue.Close()
	images := imageloader.New(cache, imageloader.NewHTTPFetcher(imageloader.HTTPOptions{
		UserAgent:    cfg.Loader.UserAgent,
		MaxBodyBytes: cfg.Loader.MaxBodyBytes,
	}), imageloader.Options{
		MaxConcurrent: cfg.Loader.MaxConcurrent,
		FetchTimeout:  cfg.Loader.FetchTimeout(),
		Dispatcher:    queue,
		Logger:        logger,
		Metrics:       recorder,
	})
	defer images.Close()

	var warming sync.WaitGroup
	defer warming.Wait()
	warmCtx, cancelWarm := context.WithCancel(ctx)
	defer cancelWarm()
	if opts.warm > 0 {
		warming.Add(1)
		go func() {
			defer warming.Done()
			warmDisplayImages(warmCtx, logger, gallery.NewList(images, logger), store, cfg.Photos, opts.warm)
		}()
	}

	handler, err := server.NewHandler(server.HandlerOptions{
		Photos:       store,
		Syncer:       initializer,
		Loader:       images,
		Cache:        cache,
		Metrics:      recorder,
		Logger:       logger,
		BaseURL:      cfg.Photos.BaseURL,
		DisplayWidth: cfg.Photos.DisplayWidth,
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	err = srv.Run(ctx)
	logger.Info("server shutdown complete")
	return err
}

// applyLiveConfig carries the settings that can change without a restart.
func applyLiveConfig(logger *slog.Logger, level *slog.LevelVar, memory *imagecache.MemoryTier, next config.Config) {
	if parsed, err := logging.ParseLevel(next.Server.Logging.Level); err != nil {
		logger.Warn("ignoring invalid log level", slog.String("level", next.Server.Logging.Level))
	} else if level.Level() != parsed {
		level.Set(parsed)
		logger.Info("log level updated", slog.String("level", parsed.String()))
	}
	if budget := next.Cache.MemoryBudgetBytes(); budget > 0 {
		memory.SetBudget(budget)
	}
}

func buildImageCache(logger *slog.Logger, recorder *metrics.Recorder, cfg config.CacheConfig) (*imagecache.Tiered, *imagecache.MemoryTier) {
	memory := imagecache.NewMemory(cfg.MemoryBudgetBytes())
	tiers := []imagecache.Tier{memory}

	if cfg.Valkey.Enabled {
		valkeyTier, err := imagecache.NewValkey(imagecache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			Prefix:   cfg.Valkey.Prefix,
			TTL:      cfg.Valkey.TTL(),
			TLS: imagecache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		}, logger)
		if err != nil {
			logger.Error("valkey cache initialization failed", slog.Any("error", err))
			logger.Info("continuing without shared cache tier")
		} else {
			logger.Info("using valkey cache tier", slog.String("address", cfg.Valkey.Address))
			tiers = append(tiers, valkeyTier)
		}
	}

	if persistent := persistentTier(logger, cfg); persistent != nil {
		tiers = append(tiers, persistent)
	}
	return imagecache.NewTiered(logger, recorder, tiers...), memory
}

func persistentTier(logger *slog.Logger, cfg config.CacheConfig) imagecache.Tier {
	backend := strings.TrimSpace(strings.ToLower(cfg.Persistent))
	switch backend {
	case "none":
		logger.Info("persistent image cache disabled")
		return nil
	case "bolt":
		path := cfg.BoltPath
		if path == "" {
			base, err := imagecache.DefaultDirectory()
			if err != nil {
				logger.Error("bolt cache path unavailable", slog.Any("error", err))
				return nil
			}
			path = filepath.Join(filepath.Dir(base), "images.db")
		}
		tier, err := imagecache.OpenBolt(path, logger)
		if err == nil {
			logger.Info("using bolt image cache", slog.String("path", path))
			return tier
		}
		logger.Error("bolt cache initialization failed", slog.Any("error", err))
		logger.Info("falling back to file cache")
	case "", "file":
	default:
		logger.Warn("unsupported persistent cache, defaulting to file", slog.String("persistent", cfg.Persistent))
	}

	dir := cfg.Directory
	if dir == "" {
		var err error
		if dir, err = imagecache.DefaultDirectory(); err != nil {
			logger.Error("file cache directory unavailable", slog.Any("error", err))
			return nil
		}
	}
	logger.Info("using file image cache", slog.String("directory", dir))
	return imagecache.NewFile(dir, logger)
}

func photoStorePath(cfg config.PhotosConfig) (string, error) {
	if cfg.StorePath != "" {
		return cfg.StorePath, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("photo index path: %w", err)
	}
	return filepath.Join(base, "picsum", "photos.db"), nil
}

func warmDisplayImages(ctx context.Context, logger *slog.Logger, list *gallery.List, store *photos.Store, cfg config.PhotosConfig, n int) {
	first, err := store.Page(ctx, 1, n)
	if err != nil {
		logger.Warn("image warmup skipped", slog.Any("error", err))
		return
	}
	urls := make([]string, 0, len(first))
	for _, p := range first {
		urls = append(urls, p.DisplayURL(cfg.BaseURL, cfg.DisplayWidth))
	}
	loaded := list.Warm(ctx, urls)
	logger.Info("image warmup finished", slog.Int("requested", len(urls)), slog.Int("loaded", loaded))
}
