// Package imageloader fetches image bytes through a cache with a bounded
// number of concurrent network requests. Requests are served in submission
// order and every request can be cancelled by its task id.
package imageloader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/picsum/internal/logging"
	"github.com/l0p7/picsum/internal/metrics"
	"github.com/l0p7/picsum/internal/registry"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrent = 10
	DefaultFetchTimeout  = 30 * time.Second
)

// Cache is the read-through store consulted before the network.
type Cache interface {
	Get(url string) ([]byte, bool)
	Set(url string, value []byte)
}

type Options struct {
	// MaxConcurrent caps simultaneous fetches; zero selects DefaultMaxConcurrent.
	MaxConcurrent int
	// FetchTimeout bounds a single fetch once it holds a slot. Zero disables it.
	FetchTimeout time.Duration
	Dispatcher   Dispatcher
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// DefaultOptions returns the options used by the application.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: DefaultMaxConcurrent,
		FetchTimeout:  DefaultFetchTimeout,
	}
}

type Loader struct {
	cache        Cache
	fetcher      Fetcher
	dispatcher   Dispatcher
	logger       *slog.Logger
	metrics      *metrics.Recorder
	fetchTimeout time.Duration

	slots *semaphore.Weighted
	queue *taskQueue
	tasks *registry.Registry[string, *task]

	ctx       context.Context
	stop      context.CancelFunc
	scheduled chan struct{}

	mu       sync.Mutex
	closed   bool
	workers  sync.WaitGroup
	writes   sync.WaitGroup
	inFlight atomic.Int64
}

type task struct {
	id         string
	url        string
	completion func([]byte)
	ctx        context.Context
	cancel     context.CancelFunc
	cancelled  atomic.Bool
	once       sync.Once
}

// New starts a loader. Close must be called to stop its scheduler.
func New(cache Cache, fetcher Fetcher, opts Options) *Loader {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.FetchTimeout < 0 {
		opts.FetchTimeout = 0
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = Inline
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	ctx, stop := context.WithCancel(context.Background())
	l := &Loader{
		cache:        cache,
		fetcher:      fetcher,
		dispatcher:   opts.Dispatcher,
		logger:       opts.Logger.With(slog.String("agent", "image_loader")),
		metrics:      opts.Metrics,
		fetchTimeout: opts.FetchTimeout,
		slots:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		queue:        newTaskQueue(),
		tasks:        registry.New[string, *task](),
		ctx:          ctx,
		stop:         stop,
		scheduled:    make(chan struct{}),
	}
	go l.schedule()
	return l
}

// Load resolves url through the cache, falling back to the network. It
// returns a task id immediately; completion later receives the bytes, or nil
// when the image could not be obtained. A cancelled task never calls
// completion.
func (l *Loader) Load(url string, completion func([]byte)) string {
	id := uuid.NewString()
	if data, ok := l.cache.Get(url); ok {
		l.metrics.ObserveLoadRequest(metrics.LoadSourceCache)
		l.deliver(completion, data, nil)
		return id
	}

	ctx, cancel := context.WithCancel(l.ctx)
	t := &task{
		id:         id,
		url:        url,
		completion: completion,
		ctx:        ctx,
		cancel:     cancel,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		l.deliver(completion, nil, nil)
		return id
	}
	l.tasks.Set(id, t)
	l.queue.push(t)
	l.metrics.TaskQueued()
	l.mu.Unlock()

	l.metrics.ObserveLoadRequest(metrics.LoadSourceNetwork)
	l.logger.Debug("image load queued", slog.String("task_id", id), slog.String("url", url))
	return id
}

// Cancel stops the task with the given id. Unknown or finished ids are ignored.
func (l *Loader) Cancel(id string) {
	t, ok := l.tasks.LoadAndDelete(id)
	if !ok {
		return
	}
	l.abort(t)
	l.logger.Debug("image load cancelled", slog.String("task_id", id))
}

// CancelAll stops every live task.
func (l *Loader) CancelAll() {
	drained := l.tasks.Drain()
	for _, t := range drained {
		l.abort(t)
	}
	if len(drained) > 0 {
		l.logger.Debug("image loads cancelled", slog.Int("count", len(drained)))
	}
}

// InFlight reports how many fetches currently hold a slot.
func (l *Loader) InFlight() int {
	return int(l.inFlight.Load())
}

// Pending reports how many tasks are queued or running.
func (l *Loader) Pending() int {
	return l.tasks.Len()
}

// Close cancels outstanding tasks and waits for workers and cache writes to
// finish. Loads issued afterwards complete with nil.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.CancelAll()
	l.stop()
	<-l.scheduled
	for _, t := range l.queue.drain() {
		l.metrics.TaskDequeued()
		l.finish(t, nil)
	}
	l.workers.Wait()
	l.writes.Wait()
}

func (l *Loader) abort(t *task) {
	t.cancelled.Store(true)
	t.cancel()
}

// schedule hands queued tasks to workers in submission order as slots free up.
func (l *Loader) schedule() {
	defer close(l.scheduled)
	for {
		t, ok := l.queue.pop(l.ctx)
		if !ok {
			return
		}
		l.metrics.TaskDequeued()
		if err := l.slots.Acquire(t.ctx, 1); err != nil {
			l.metrics.ObserveFetch(metrics.FetchCancelled, 0, 0)
			l.finish(t, nil)
			continue
		}
		l.workers.Add(1)
		go l.work(t)
	}
}

func (l *Loader) work(t *task) {
	defer l.workers.Done()

	l.inFlight.Add(1)
	l.metrics.FetchStarted()
	start := time.Now()
	data, outcome, status := l.fetch(t)
	l.metrics.ObserveFetch(outcome, status, time.Since(start))
	l.metrics.FetchFinished()
	l.inFlight.Add(-1)
	l.slots.Release(1)

	if data != nil {
		l.store(t.url, data)
	}
	l.finish(t, data)
}

func (l *Loader) fetch(t *task) ([]byte, metrics.FetchOutcome, int) {
	if t.ctx.Err() != nil {
		return nil, metrics.FetchCancelled, 0
	}
	ctx := t.ctx
	if l.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.fetchTimeout)
		defer cancel()
	}

	resp, err := l.fetcher.Fetch(ctx, t.url)
	logger := l.logger.With(slog.String("task_id", t.id), slog.String("url", t.url))
	switch {
	case t.cancelled.Load() || errors.Is(t.ctx.Err(), context.Canceled):
		return nil, metrics.FetchCancelled, resp.StatusCode
	case err != nil:
		logger.Debug("image fetch failed", slog.Any("error", err))
		return nil, metrics.FetchFailure, resp.StatusCode
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		logger.Debug("image fetch rejected", slog.Int("status", resp.StatusCode))
		return nil, metrics.FetchFailure, resp.StatusCode
	case len(resp.Body) == 0:
		logger.Debug("image fetch returned empty body", slog.Int("status", resp.StatusCode))
		return nil, metrics.FetchFailure, resp.StatusCode
	}
	return resp.Body, metrics.FetchSuccess, resp.StatusCode
}

func (l *Loader) store(url string, data []byte) {
	l.writes.Add(1)
	go func() {
		defer l.writes.Done()
		l.cache.Set(url, data)
	}()
}

// finish resolves t at most once: it leaves the registry and, unless
// cancelled, hands the result to the dispatcher.
func (l *Loader) finish(t *task, data []byte) {
	t.once.Do(func() {
		l.tasks.CompareAndDelete(t.id, func(v *task) bool { return v == t })
		t.cancel()
		if t.cancelled.Load() {
			return
		}
		l.deliver(t.completion, data, t)
	})
}

// deliver runs completion on the dispatcher. The cancellation flag is checked
// again on the dispatcher so a Cancel issued there before the callback runs
// still suppresses it.
func (l *Loader) deliver(completion func([]byte), data []byte, t *task) {
	if completion == nil {
		return
	}
	l.dispatcher.Dispatch(func() {
		if t != nil && t.cancelled.Load() {
			return
		}
		completion(data)
	})
}
