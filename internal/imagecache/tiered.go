package imagecache

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/picsum/internal/logging"
	"github.com/l0p7/picsum/internal/metrics"
)

// Tiered composes tiers ordered fastest first. Reads are answered by the
// fastest tier holding the value and a hit in a slower tier is copied into
// the faster ones in the background. Writes go to every tier.
type Tiered struct {
	tiers   []Tier
	logger  *slog.Logger
	metrics *metrics.Recorder

	promotions sync.WaitGroup

	// mu guards inflight. An entry turns stale once Set, Remove or Clear
	// touches its key, and a stale promotion must not leave its value behind.
	mu       sync.Mutex
	inflight map[*promotion]struct{}
}

type promotion struct {
	key   string
	stale bool
}

// NewTiered returns a cache over tiers, fastest first. Nil tiers are skipped.
func NewTiered(logger *slog.Logger, recorder *metrics.Recorder, tiers ...Tier) *Tiered {
	if logger == nil {
		logger = logging.Discard()
	}
	kept := make([]Tier, 0, len(tiers))
	for _, tier := range tiers {
		if tier != nil {
			kept = append(kept, tier)
		}
	}
	return &Tiered{
		tiers:    kept,
		inflight: make(map[*promotion]struct{}),
		logger:   logger.With(slog.String("agent", "image_cache")),
		metrics:  recorder,
	}
}

// Tiers returns the configured tiers, fastest first.
func (c *Tiered) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Get returns the cached bytes for rawURL. It never waits on promotion.
func (c *Tiered) Get(rawURL string) ([]byte, bool) {
	key := Key(rawURL)
	for i, tier := range c.tiers {
		start := time.Now()
		value, ok := tier.Get(key)
		if !ok {
			c.metrics.ObserveCacheLookup(tier.Name(), metrics.CacheLookupMiss, time.Since(start))
			continue
		}
		c.metrics.ObserveCacheLookup(tier.Name(), metrics.CacheLookupHit, time.Since(start))
		c.logger.Debug("cache hit", slog.String("tier", tier.Name()), slog.String("key", key))
		if i > 0 {
			c.promote(key, value, i)
		}
		return value, true
	}
	c.logger.Debug("cache miss", slog.String("key", key))
	return nil, false
}

// promote copies value into the tiers faster than hit. Each write is checked
// against later invalidations both before and after it lands, so a Set,
// Remove or Clear racing the promotion always wins.
func (c *Tiered) promote(key string, value []byte, hit int) {
	faster := c.tiers[:hit]
	value = cloneBytes(value)
	p := &promotion{key: key}
	c.mu.Lock()
	c.inflight[p] = struct{}{}
	c.mu.Unlock()

	c.promotions.Add(1)
	go func() {
		defer c.promotions.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, p)
			c.mu.Unlock()
		}()
		for _, tier := range faster {
			if c.isStale(p) {
				return
			}
			start := time.Now()
			tier.Set(key, value)
			if c.isStale(p) {
				tier.Remove(key)
				c.logger.Debug("stale promotion discarded", slog.String("tier", tier.Name()), slog.String("key", key))
				return
			}
			c.metrics.ObserveCachePromotion(tier.Name(), time.Since(start))
		}
	}()
}

func (c *Tiered) isStale(p *promotion) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.stale
}

// invalidate marks outstanding promotions of key as stale; an empty key
// marks all of them.
func (c *Tiered) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.inflight {
		if key == "" || p.key == key {
			p.stale = true
		}
	}
}

// Set writes value to every tier.
func (c *Tiered) Set(rawURL string, value []byte) {
	key := Key(rawURL)
	c.invalidate(key)
	c.logger.Debug("cache save", slog.String("key", key), slog.Int("bytes", len(value)))
	for _, tier := range c.tiers {
		start := time.Now()
		tier.Set(key, value)
		c.metrics.ObserveCacheStore(tier.Name(), time.Since(start))
	}
}

// Remove deletes rawURL from every tier, including copies a pending
// promotion is about to write.
func (c *Tiered) Remove(rawURL string) {
	key := Key(rawURL)
	c.invalidate(key)
	for _, tier := range c.tiers {
		tier.Remove(key)
	}
}

// Clear empties every tier. Promotions still running when Clear is called
// leave nothing behind.
func (c *Tiered) Clear() {
	c.invalidate("")
	for _, tier := range c.tiers {
		tier.Clear()
	}
	c.logger.Info("cache cleared", slog.Int("tiers", len(c.tiers)))
}

// Flush waits for outstanding promotions and for every asynchronous tier to
// finish its queued writes.
func (c *Tiered) Flush() {
	c.promotions.Wait()
	for _, tier := range c.tiers {
		if f, ok := tier.(Flusher); ok {
			f.Flush()
		}
	}
}

// Close flushes pending work and releases tier resources.
func (c *Tiered) Close() error {
	c.Flush()
	var errs []error
	for _, tier := range c.tiers {
		if closer, ok := tier.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
