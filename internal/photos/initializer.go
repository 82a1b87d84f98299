package photos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/picsum/internal/logging"
	"golang.org/x/sync/errgroup"
)

var (
	ErrCancelled = errors.New("photos: sync cancelled")
	ErrNetwork   = errors.New("photos: network error")
	ErrStorage   = errors.New("photos: storage error")
)

type InitOptions struct {
	TotalPages int
	PageSize   int
	// BatchSize is how many pages are requested concurrently.
	BatchSize int
	// MaxAge is how long a saved index stays fresh.
	MaxAge time.Duration
}

func DefaultInitOptions() InitOptions {
	return InitOptions{
		TotalPages: 10,
		PageSize:   100,
		BatchSize:  3,
		MaxAge:     24 * time.Hour,
	}
}

// Initializer fills the store from the list endpoint when it is empty or stale.
type Initializer struct {
	lister Lister
	store  *Store
	opts   InitOptions
	logger *slog.Logger
}

func NewInitializer(lister Lister, store *Store, opts InitOptions, logger *slog.Logger) *Initializer {
	defaults := DefaultInitOptions()
	if opts.TotalPages <= 0 {
		opts.TotalPages = defaults.TotalPages
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaults.MaxAge
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Initializer{
		lister: lister,
		store:  store,
		opts:   opts,
		logger: logger.With(slog.String("agent", "photo_sync")),
	}
}

// Run syncs the index unless it is still fresh and force is false. progress,
// when set, receives the completed fraction after every batch.
func (i *Initializer) Run(ctx context.Context, force bool, progress func(float64)) error {
	if !force && i.store.IsValid(i.opts.MaxAge) {
		i.logger.Debug("photo index fresh, skipping sync")
		return nil
	}

	start := time.Now()
	pages := make([][]Photo, i.opts.TotalPages)
	for first := 1; first <= i.opts.TotalPages; first += i.opts.BatchSize {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		last := min(first+i.opts.BatchSize-1, i.opts.TotalPages)
		if err := i.fetchBatch(ctx, first, last, pages); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			i.logger.Warn("photo sync failed", slog.Int("first_page", first), slog.Int("last_page", last), slog.Any("error", err))
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		if progress != nil {
			progress(float64(last) / float64(i.opts.TotalPages))
		}
	}

	var all []Photo
	for _, page := range pages {
		all = append(all, page...)
	}
	if err := i.store.Save(ctx, all); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	i.logger.Info("photo index synced",
		slog.Int("photos", len(all)),
		slog.Int("pages", i.opts.TotalPages),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (i *Initializer) fetchBatch(ctx context.Context, first, last int, pages [][]Photo) error {
	g, gctx := errgroup.WithContext(ctx)
	for page := first; page <= last; page++ {
		g.Go(func() error {
			photos, err := i.lister.List(gctx, page, i.opts.PageSize)
			if err != nil {
				return err
			}
			pages[page-1] = photos
			return nil
		})
	}
	return g.Wait()
}
