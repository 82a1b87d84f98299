package gallery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/l0p7/picsum/internal/imageloader"
	"github.com/stretchr/testify/require"
)

// fakeLoader records requests and lets tests resolve them by hand.
type fakeLoader struct {
	mu        sync.Mutex
	next      int
	pending   map[string]func([]byte)
	urls      map[string]string
	cancelled []string
	// onLoad runs after a request is registered but before Load returns.
	onLoad func(id string)
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{pending: map[string]func([]byte){}, urls: map[string]string{}}
}

func (f *fakeLoader) Load(url string, completion func([]byte)) string {
	f.mu.Lock()
	f.next++
	id := fmt.Sprintf("task-%d", f.next)
	f.pending[id] = completion
	f.urls[id] = url
	hook := f.onLoad
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return id
}

func (f *fakeLoader) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[id]; ok {
		delete(f.pending, id)
		f.cancelled = append(f.cancelled, id)
	}
}

// resolve delivers data to id even if it was cancelled, emulating a
// completion that raced with the cancellation.
func (f *fakeLoader) resolve(id string, data []byte, completion func([]byte)) {
	f.mu.Lock()
	fn, ok := f.pending[id]
	delete(f.pending, id)
	f.mu.Unlock()
	if !ok {
		fn = completion
	}
	if fn != nil {
		fn(data)
	}
}

func (f *fakeLoader) completionFor(id string) func([]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[id]
}

func (f *fakeLoader) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func TestBindDeliversToRow(t *testing.T) {
	loader := newFakeLoader()
	list := NewList(loader, nil)

	var got []byte
	id := list.Bind(0, "https://picsum.photos/id/1/300/200", func(data []byte) { got = data })
	require.Equal(t, 1, list.Outstanding())
	url, ok := list.URL(0)
	require.True(t, ok)
	require.Equal(t, "https://picsum.photos/id/1/300/200", url)

	loader.resolve(id, []byte("img"), nil)
	require.Equal(t, []byte("img"), got)
	require.Zero(t, list.Outstanding())
}

func TestRebindCancelsStaleRequest(t *testing.T) {
	loader := newFakeLoader()
	list := NewList(loader, nil)

	var delivered []string
	stale := list.Bind(3, "https://picsum.photos/id/1/300/200", func([]byte) { delivered = append(delivered, "stale") })
	staleCompletion := loader.completionFor(stale)
	fresh := list.Bind(3, "https://picsum.photos/id/2/300/200", func([]byte) { delivered = append(delivered, "fresh") })

	require.Equal(t, []string{stale}, loader.cancelledIDs())

	// A stale completion that slipped past cancellation is ignored.
	loader.resolve(stale, []byte("old"), staleCompletion)
	require.Empty(t, delivered)

	loader.resolve(fresh, []byte("new"), nil)
	require.Equal(t, []string{"fresh"}, delivered)
}

func TestUnbindCancels(t *testing.T) {
	loader := newFakeLoader()
	list := NewList(loader, nil)

	called := false
	id := list.Bind(1, "https://picsum.photos/id/1/300/200", func([]byte) { called = true })
	completion := loader.completionFor(id)
	list.Unbind(1)
	list.Unbind(1)

	require.Equal(t, []string{id}, loader.cancelledIDs())
	loader.resolve(id, []byte("late"), completion)
	require.False(t, called)
}

func TestUnbindDuringLoadCancelsOnceIDKnown(t *testing.T) {
	loader := newFakeLoader()
	list := NewList(loader, nil)
	loader.onLoad = func(string) { list.Unbind(3) }

	id := list.Bind(3, "https://picsum.photos/id/3/600/400", func([]byte) {
		t.Fatalf("released row must not receive an image")
	})

	require.Equal(t, []string{id}, loader.cancelledIDs())
	require.Zero(t, list.Outstanding())
}

func TestRebindDuringLoadCancelsEarlierRequest(t *testing.T) {
	loader := newFakeLoader()
	list := NewList(loader, nil)
	var second string
	loader.onLoad = func(string) {
		loader.onLoad = nil
		second = list.Bind(3, "https://picsum.photos/id/4/600/400", nil)
	}

	first := list.Bind(3, "https://picsum.photos/id/3/600/400", nil)

	require.NotEqual(t, first, second)
	require.Equal(t, []string{first}, loader.cancelledIDs())
	url, ok := list.URL(3)
	require.True(t, ok)
	require.Equal(t, "https://picsum.photos/id/4/600/400", url)
}

func TestResetCancelsEveryRow(t *testing.T) {
	loader := newFakeLoader()
	list := NewList(loader, nil)

	var ids []string
	for row := range 4 {
		ids = append(ids, list.Bind(row, fmt.Sprintf("https://picsum.photos/id/%d/300/200", row), nil))
	}
	list.Reset()

	require.Zero(t, list.Outstanding())
	require.ElementsMatch(t, ids, loader.cancelledIDs())
}

func TestBindWithSynchronousCompletion(t *testing.T) {
	cache := &staticCache{data: map[string][]byte{"https://picsum.photos/id/1/300/200": []byte("hit")}}
	loader := imageloader.New(cache, imageloader.FetcherFunc(func(ctx context.Context, url string) (imageloader.Response, error) {
		return imageloader.Response{StatusCode: http.StatusOK, Body: []byte("net")}, nil
	}), imageloader.Options{})
	defer loader.Close()
	list := NewList(loader, nil)

	var got []byte
	list.Bind(0, "https://picsum.photos/id/1/300/200", func(data []byte) { got = data })

	require.Equal(t, []byte("hit"), got)
	require.Zero(t, list.Outstanding())
}

func TestWarmLoadsEveryRow(t *testing.T) {
	loader := imageloader.New(&staticCache{data: map[string][]byte{}}, imageloader.FetcherFunc(func(ctx context.Context, url string) (imageloader.Response, error) {
		if url == "https://picsum.photos/id/broken/300/200" {
			return imageloader.Response{StatusCode: http.StatusNotFound}, nil
		}
		return imageloader.Response{StatusCode: http.StatusOK, Body: []byte(url)}, nil
	}), imageloader.Options{MaxConcurrent: 2})
	defer loader.Close()
	list := NewList(loader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	loaded := list.Warm(ctx, []string{
		"https://picsum.photos/id/1/300/200",
		"https://picsum.photos/id/2/300/200",
		"https://picsum.photos/id/broken/300/200",
	})

	require.Equal(t, 2, loaded)
	require.Zero(t, list.Outstanding())
}

func TestWarmStopsOnContext(t *testing.T) {
	loader := newFakeLoader()
	list := NewList(loader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loaded := list.Warm(ctx, []string{"https://picsum.photos/id/1/300/200"})

	require.Zero(t, loaded)
	require.Zero(t, list.Outstanding())
	require.Len(t, loader.cancelledIDs(), 1)
}

type staticCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *staticCache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[url]
	return v, ok
}

func (c *staticCache) Set(url string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[url] = value
}
