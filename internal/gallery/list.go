// Package gallery tracks which image request belongs to which visible row of
// a photo list, so rows that scroll away or get reused never receive a stale
// image.
package gallery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/l0p7/picsum/internal/logging"
	"github.com/l0p7/picsum/internal/registry"
)

// ImageLoader is the subset of the image loader a list needs.
type ImageLoader interface {
	Load(url string, completion func([]byte)) string
	Cancel(id string)
}

// List binds row indexes to outstanding image requests.
type List struct {
	loader ImageLoader
	rows   *registry.Registry[int, *binding]
	logger *slog.Logger
}

type binding struct {
	url     string
	onImage func([]byte)

	mu       sync.Mutex
	taskID   string
	released bool
}

// setTaskID records id and reports whether the binding was released while
// Load was still running; the caller then owns cancelling id.
func (b *binding) setTaskID(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taskID = id
	return b.released
}

// release marks the binding as abandoned and returns the task id known so far.
func (b *binding) release() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return b.taskID
}

// NewList returns a List issuing requests through loader. Rows may be bound
// and unbound from any goroutine.
func NewList(loader ImageLoader, logger *slog.Logger) *List {
	if logger == nil {
		logger = logging.Discard()
	}
	return &List{
		loader: loader,
		rows:   registry.New[int, *binding](),
		logger: logger.With(slog.String("agent", "gallery")),
	}
}

// Bind requests url for row. Any request still outstanding for the row is
// cancelled first. onImage receives the bytes, or nil on failure, only while
// the row is still bound to this request.
func (l *List) Bind(row int, url string, onImage func([]byte)) string {
	b := &binding{url: url, onImage: onImage}
	if prev, ok := l.rows.Swap(row, b); ok {
		l.cancel(row, prev)
	}
	id := l.loader.Load(url, func(data []byte) { l.apply(row, b, data) })
	if b.setTaskID(id) {
		l.loader.Cancel(id)
		l.logger.Debug("row request cancelled", slog.Int("row", row), slog.String("task_id", id))
	}
	return id
}

// Unbind cancels the outstanding request for row, if any.
func (l *List) Unbind(row int) {
	if b, ok := l.rows.LoadAndDelete(row); ok {
		l.cancel(row, b)
	}
}

// Reset cancels every outstanding request.
func (l *List) Reset() {
	for _, b := range l.rows.Drain() {
		if id := b.release(); id != "" {
			l.loader.Cancel(id)
		}
	}
}

// Outstanding reports how many rows still wait for an image.
func (l *List) Outstanding() int {
	return l.rows.Len()
}

// URL returns the url row is waiting on.
func (l *List) URL(row int) (string, bool) {
	b, ok := l.rows.Get(row)
	if !ok {
		return "", false
	}
	return b.url, true
}

// Warm binds urls to consecutive rows and waits until every row resolved or
// ctx ends, then cancels whatever is left. It returns how many rows received
// bytes.
func (l *List) Warm(ctx context.Context, urls []string) int {
	results := make(chan bool, len(urls))
	for row, url := range urls {
		l.Bind(row, url, func(data []byte) { results <- data != nil })
	}
	defer l.Reset()

	loaded := 0
	for range urls {
		select {
		case ok := <-results:
			if ok {
				loaded++
			}
		case <-ctx.Done():
			l.logger.Debug("warm interrupted", slog.Int("loaded", loaded), slog.Int("requested", len(urls)))
			return loaded
		}
	}
	return loaded
}

func (l *List) apply(row int, b *binding, data []byte) {
	if !l.rows.CompareAndDelete(row, func(cur *binding) bool { return cur == b }) {
		l.logger.Debug("stale image dropped", slog.Int("row", row), slog.String("url", b.url))
		return
	}
	if b.onImage != nil {
		b.onImage(data)
	}
}

// cancel releases b. When Load has not returned yet the id is unknown here,
// and Bind cancels it as soon as it arrives.
func (l *List) cancel(row int, b *binding) {
	id := b.release()
	if id == "" {
		return
	}
	l.loader.Cancel(id)
	l.logger.Debug("row request cancelled", slog.Int("row", row), slog.String("task_id", id))
}
