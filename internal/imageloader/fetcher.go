package imageloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrBodyTooLarge is returned when a response exceeds the configured limit.
var ErrBodyTooLarge = errors.New("imageloader: response body too large")

// Response is the terminal result of a fetch.
type Response struct {
	StatusCode int
	Body       []byte
}

// Fetcher performs a cancellable GET of the bytes at url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (Response, error) { return f(ctx, url) }

type HTTPOptions struct {
	// Timeout bounds the whole exchange including redirects; zero means none.
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	Transport    http.RoundTripper
}

// HTTPFetcher fetches over net/http, following redirects.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	return &HTTPFetcher{
		client:       &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("imageloader: build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("imageloader: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if f.maxBodyBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Response{StatusCode: resp.StatusCode}, fmt.Errorf("imageloader: read %s: %w", url, err)
	}
	if f.maxBodyBytes > 0 && int64(len(body)) > f.maxBodyBytes {
		return Response{StatusCode: resp.StatusCode}, ErrBodyTooLarge
	}
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}
