package photos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrInvalidURL = errors.New("photos: invalid url")
	ErrNoData     = errors.New("photos: no data")
)

// Doer executes HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Lister fetches one page of the photo list.
type Lister interface {
	List(ctx context.Context, page, limit int) ([]Photo, error)
}

// Client talks to the picsum list endpoint.
type Client struct {
	baseURL   string
	doer      Doer
	userAgent string
}

func NewClient(baseURL string, doer Doer, userAgent string) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		doer:      doer,
		userAgent: userAgent,
	}
}

// BaseURL is the root photo URLs are built from.
func (c *Client) BaseURL() string { return c.baseURL }

// List returns page (1-based) of the photo list with at most limit entries.
func (c *Client) List(ctx context.Context, page, limit int) ([]Photo, error) {
	endpoint, err := url.Parse(c.baseURL + "/v2/list")
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, c.baseURL)
	}
	query := endpoint.Query()
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("photos: list request build: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("photos: list page %d: %w", page, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("photos: list read: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("photos: list close: %w", closeErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("photos: list page %d: unexpected status %d", page, resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, ErrNoData
	}

	var photos []Photo
	if err := json.Unmarshal(body, &photos); err != nil {
		return nil, fmt.Errorf("photos: list decode: %w", err)
	}
	for i, p := range photos {
		if !p.valid() {
			return nil, fmt.Errorf("photos: list decode: entry %d missing id or urls", i)
		}
	}
	return photos, nil
}
