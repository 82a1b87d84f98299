package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/picsum/internal/imagecache"
	"github.com/l0p7/picsum/internal/imageloader"
	"github.com/l0p7/picsum/internal/metrics"
	"github.com/l0p7/picsum/internal/photos"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://picsum.example"

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fixture struct {
	store   *photos.Store
	cache   *imagecache.Tiered
	loader  *imageloader.Loader
	fetches *fetchLog
	server  *httptest.Server
	expect  *httpexpect.Expect
}

type fetchLog struct {
	mu     sync.Mutex
	urls   []string
	status atomic.Int32
}

func (f *fetchLog) fetch(ctx context.Context, url string) (imageloader.Response, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	status := int(f.status.Load())
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		return imageloader.Response{StatusCode: status}, nil
	}
	return imageloader.Response{StatusCode: status, Body: pngHeader}, nil
}

func (f *fetchLog) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type stubSyncer struct {
	err   error
	calls atomic.Int32
}

func (s *stubSyncer) Run(ctx context.Context, force bool, progress func(float64)) error {
	s.calls.Add(1)
	return s.err
}

func newFixture(t *testing.T, syncer PhotoSyncer) *fixture {
	t.Helper()
	store, err := photos.OpenStore(filepath.Join(t.TempDir(), "photos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Save(context.Background(), []photos.Photo{
		{ID: "0", Author: "Alejandro Escamilla", Width: 5000, Height: 3333, URL: "https://unsplash.com/photos/yC-Yzbqy7PY", DownloadURL: testBaseURL + "/id/0/5000/3333"},
		{ID: "10", Author: "Paul Jarvis", Width: 2500, Height: 1667, URL: "https://unsplash.com/photos/6J--NXulQCs", DownloadURL: testBaseURL + "/id/10/2500/1667"},
		{ID: "11", Author: "Paul Jarvis", Width: 400, Height: 300, URL: "https://unsplash.com/photos/Cm7oKel-X2Q", DownloadURL: testBaseURL + "/id/11/400/300"},
	}))

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	cache := imagecache.NewTiered(nil, recorder, imagecache.NewMemory(1<<20))
	log := &fetchLog{}
	loader := imageloader.New(cache, imageloader.FetcherFunc(log.fetch), imageloader.Options{MaxConcurrent: 2, Metrics: recorder})
	t.Cleanup(loader.Close)

	handler, err := NewHandler(HandlerOptions{
		Photos:       store,
		Syncer:       syncer,
		Loader:       loader,
		Cache:        cache,
		Metrics:      recorder,
		Logger:       newTestLogger(),
		BaseURL:      testBaseURL,
		DisplayWidth: 600,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &fixture{
		store:   store,
		cache:   cache,
		loader:  loader,
		fetches: log,
		server:  srv,
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   srv.Client(),
		}),
	}
}

func TestNewHandlerRequiresServices(t *testing.T) {
	_, err := NewHandler(HandlerOptions{})
	require.Error(t, err)
}

func TestPhotosListsIndex(t *testing.T) {
	f := newFixture(t, nil)

	body := f.expect.GET("/photos").Expect().
		Status(http.StatusOK).
		JSON().Object()
	body.HasValue("page", 1)
	body.HasValue("limit", defaultPageLimit)
	body.Value("photos").Array().Length().IsEqual(3)

	first := body.Value("photos").Array().Value(1).Object()
	first.HasValue("id", "10")
	first.HasValue("download_url", testBaseURL+"/id/10/2500/1667")
	first.HasValue("size_text", "2500 × 1667")
	first.HasValue("image_url", testBaseURL+"/id/10/600/400")
	first.HasValue("image_path", "/images/10/600/400")

	small := body.Value("photos").Array().Value(2).Object()
	small.HasValue("image_url", testBaseURL+"/id/11/400/300")
}

func TestPhotosPagingAndSearch(t *testing.T) {
	f := newFixture(t, nil)

	f.expect.GET("/photos").WithQuery("page", 2).WithQuery("limit", 2).Expect().
		Status(http.StatusOK).
		JSON().Object().Value("photos").Array().Length().IsEqual(1)

	found := f.expect.GET("/photos").WithQuery("q", "Páùl").Expect().
		Status(http.StatusOK).
		JSON().Object()
	found.HasValue("query", "Paul")
	found.Value("photos").Array().Length().IsEqual(2)

	f.expect.GET("/photos").WithQuery("q", "nobody").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("photos").Array().IsEmpty()
}

func TestPhotosRejectsBadPaging(t *testing.T) {
	f := newFixture(t, nil)

	f.expect.GET("/photos").WithQuery("page", "abc").Expect().Status(http.StatusBadRequest)
	f.expect.GET("/photos").WithQuery("page", 0).Expect().Status(http.StatusBadRequest)
	f.expect.GET("/photos").WithQuery("limit", maxPageLimit+1).Expect().
		Status(http.StatusBadRequest).
		JSON().Object().ContainsKey("error")
}

func TestImagesServedThroughCache(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.expect.GET("/images/10/600/400").Expect().Status(http.StatusOK)
	resp.Header("Content-Type").IsEqual("image/png")
	resp.Body().IsEqual(string(pngHeader))

	require.Eventually(t, func() bool {
		_, ok := f.cache.Get(testBaseURL + "/id/10/600/400")
		return ok
	}, time.Second, 5*time.Millisecond)

	f.expect.GET("/images/10/600/400").Expect().Status(http.StatusOK)
	require.Equal(t, []string{testBaseURL + "/id/10/600/400"}, f.fetches.seen())
}

func TestImagesUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.fetches.status.Store(http.StatusNotFound)

	f.expect.GET("/images/10/600/400").Expect().
		Status(http.StatusBadGateway).
		JSON().Object().HasValue("error", "image unavailable")
}

func TestImagesRejectBadInput(t *testing.T) {
	f := newFixture(t, nil)

	f.expect.GET("/images/10/0/400").Expect().Status(http.StatusBadRequest)
	f.expect.GET("/images/10/abc/400").Expect().Status(http.StatusBadRequest)
	f.expect.GET("/images/10/600/9000").Expect().Status(http.StatusBadRequest)
	f.expect.GET("/images/a.b/600/400").Expect().Status(http.StatusBadRequest)
	require.Empty(t, f.fetches.seen())
}

func TestClearEmptiesCache(t *testing.T) {
	f := newFixture(t, nil)

	f.expect.GET("/images/0/300/200").Expect().Status(http.StatusOK)
	require.Eventually(t, func() bool {
		_, ok := f.cache.Get(testBaseURL + "/id/0/300/200")
		return ok
	}, time.Second, 5*time.Millisecond)

	f.expect.DELETE("/images").Expect().Status(http.StatusNoContent)
	f.cache.Flush()

	f.expect.GET("/images/0/300/200").Expect().Status(http.StatusOK)
	require.Len(t, f.fetches.seen(), 2)
}

func TestHealthReportsState(t *testing.T) {
	f := newFixture(t, nil)

	body := f.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	body.HasValue("status", "ok")
	body.HasValue("photos", 3)
	body.HasValue("inFlight", 0)
	body.ContainsKey("lastSync")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	f.expect.GET("/healthz").Expect().Status(http.StatusOK)
	f.expect.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains(`picsum_http_requests_total{route="healthz",status_code="200"} 1`)
}

func TestSyncEndpoint(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		syncer := &stubSyncer{}
		f := newFixture(t, syncer)
		f.expect.POST("/photos/sync").Expect().
			Status(http.StatusOK).
			JSON().Object().HasValue("photos", 3)
		require.Equal(t, int32(1), syncer.calls.Load())
	})

	t.Run("upstream failure", func(t *testing.T) {
		f := newFixture(t, &stubSyncer{err: fmt.Errorf("%w: reset", photos.ErrNetwork)})
		f.expect.POST("/photos/sync").Expect().Status(http.StatusBadGateway)
	})

	t.Run("storage failure", func(t *testing.T) {
		f := newFixture(t, &stubSyncer{err: fmt.Errorf("%w: disk full", photos.ErrStorage)})
		f.expect.POST("/photos/sync").Expect().Status(http.StatusInternalServerError)
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, nil)
		f.expect.POST("/photos/sync").Expect().Status(http.StatusNotImplemented)
	})
}

// hangingLoader never resolves and records cancellations.
type hangingLoader struct {
	mu        sync.Mutex
	cancelled []string
}

func (h *hangingLoader) Load(url string, completion func([]byte)) string { return "task-1" }

func (h *hangingLoader) Cancel(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, id)
}

func (h *hangingLoader) InFlight() int { return 1 }
func (h *hangingLoader) Pending() int  { return 1 }

func TestImageRequestCancellationCancelsTask(t *testing.T) {
	store, err := photos.OpenStore(filepath.Join(t.TempDir(), "photos.db"))
	require.NoError(t, err)
	defer store.Close()
	loader := &hangingLoader{}
	handler, err := NewHandler(HandlerOptions{Photos: store, Loader: loader, BaseURL: testBaseURL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/images/10/600/400", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after cancellation")
	}
	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Equal(t, []string{"task-1"}, loader.cancelled)
}

func TestPositiveInt(t *testing.T) {
	n, ok := positiveInt("", 7)
	require.True(t, ok)
	require.Equal(t, 7, n)

	n, ok = positiveInt("12", 7)
	require.True(t, ok)
	require.Equal(t, 12, n)

	_, ok = positiveInt("-1", 7)
	require.False(t, ok)
	_, ok = positiveInt("x", 7)
	require.False(t, ok)
}
