package imageloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "picsum-test/1.0" {
			http.Error(w, "unexpected user agent", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/id/1/300/200":
			http.Redirect(w, r, "/cdn/1.jpg", http.StatusFound)
		case "/cdn/1.jpg":
			_, _ = w.Write([]byte("jpeg-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{UserAgent: "picsum-test/1.0", Timeout: time.Second})

	resp, err := f.Fetch(context.Background(), srv.URL+"/id/1/300/200")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("jpeg-bytes"), resp.Body)

	resp, err = f.Fetch(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPFetcherEnforcesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 16})
	resp, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrBodyTooLarge)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, resp.Body)

	f = NewHTTPFetcher(HTTPOptions{MaxBodyBytes: 64})
	resp, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, resp.Body, 64)
}

func TestHTTPFetcherHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPFetcher(HTTPOptions{}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPFetcherRejectsMalformedURL(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPOptions{}).Fetch(context.Background(), "://bad")
	require.Error(t, err)
}
