package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/picsum/internal/logging"
	"github.com/l0p7/picsum/internal/metrics"
	"github.com/l0p7/picsum/internal/photos"
)

const (
	defaultPageLimit = 30
	maxPageLimit     = 100
	maxImageSide     = 5000
)

var photoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// PhotoIndex is the read side of the local photo index.
type PhotoIndex interface {
	Find(ctx context.Context, query string, page, limit int) ([]photos.Photo, error)
	Count() int
	LastSync() (time.Time, bool)
}

// PhotoSyncer refreshes the photo index from upstream.
type PhotoSyncer interface {
	Run(ctx context.Context, force bool, progress func(float64)) error
}

// ImageLoader resolves image bytes, cache first.
type ImageLoader interface {
	Load(url string, completion func([]byte)) string
	Cancel(id string)
	InFlight() int
	Pending() int
}

// CacheClearer empties every image cache tier.
type CacheClearer interface {
	Clear()
}

// HandlerOptions wires the HTTP surface to the application services. Syncer,
// Cache and Metrics are optional.
type HandlerOptions struct {
	Photos       PhotoIndex
	Syncer       PhotoSyncer
	Loader       ImageLoader
	Cache        CacheClearer
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	BaseURL      string
	DisplayWidth int
}

type api struct {
	photos       PhotoIndex
	syncer       PhotoSyncer
	loader       ImageLoader
	cache        CacheClearer
	metrics      *metrics.Recorder
	logger       *slog.Logger
	baseURL      string
	displayWidth int
}

// NewHandler routes the photo list, image and maintenance endpoints.
func NewHandler(opts HandlerOptions) (http.Handler, error) {
	if opts.Photos == nil {
		return nil, errors.New("server: photo index required")
	}
	if opts.Loader == nil {
		return nil, errors.New("server: image loader required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.DisplayWidth <= 0 {
		opts.DisplayWidth = 600
	}
	a := &api{
		photos:       opts.Photos,
		syncer:       opts.Syncer,
		loader:       opts.Loader,
		cache:        opts.Cache,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(slog.String("agent", "http")),
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		displayWidth: opts.DisplayWidth,
	}

	mux := http.NewServeMux()
	a.handle(mux, "GET /photos", "photos", a.servePhotos)
	a.handle(mux, "POST /photos/sync", "photos_sync", a.serveSync)
	a.handle(mux, "GET /images/{id}/{width}/{height}", "images", a.serveImage)
	a.handle(mux, "DELETE /images", "images_clear", a.serveClear)
	a.handle(mux, "GET /healthz", "healthz", a.serveHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	return mux, nil
}

func (a *api) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		fn(sw, r)
		a.metrics.ObserveHTTP(route, sw.statusCode())
	})
}

type photoView struct {
	photos.Photo
	SizeText    string  `json:"size_text"`
	AspectRatio float64 `json:"aspect_ratio"`
	ImageURL    string  `json:"image_url"`
	ImagePath   string  `json:"image_path"`
}

type photoPage struct {
	Page   int         `json:"page"`
	Limit  int         `json:"limit"`
	Query  string      `json:"query,omitempty"`
	Photos []photoView `json:"photos"`
}

func (a *api) servePhotos(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	page, ok := positiveInt(values.Get("page"), 1)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	limit, ok := positiveInt(values.Get("limit"), defaultPageLimit)
	if !ok || limit > maxPageLimit {
		a.writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	query := strings.TrimSpace(photos.SanitizeQuery(values.Get("q")))

	found, err := a.photos.Find(r.Context(), query, page, limit)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		a.logger.Error("photo lookup failed", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "photo index unavailable")
		return
	}

	out := photoPage{Page: page, Limit: limit, Query: query, Photos: make([]photoView, 0, len(found))}
	for _, p := range found {
		dw, dh := p.DisplaySize(a.displayWidth)
		out.Photos = append(out.Photos, photoView{
			Photo:       p,
			SizeText:    p.SizeText(),
			AspectRatio: p.AspectRatio(),
			ImageURL:    p.DisplayURL(a.baseURL, a.displayWidth),
			ImagePath:   "/images/" + p.ID + "/" + strconv.Itoa(dw) + "/" + strconv.Itoa(dh),
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *api) serveSync(w http.ResponseWriter, r *http.Request) {
	if a.syncer == nil {
		a.writeError(w, http.StatusNotImplemented, "photo sync disabled")
		return
	}
	err := a.syncer.Run(r.Context(), true, nil)
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, map[string]any{"photos": a.photos.Count()})
	case errors.Is(err, photos.ErrCancelled):
		a.logger.Debug("photo sync abandoned by client")
	case errors.Is(err, photos.ErrNetwork):
		a.logger.Warn("photo sync failed", slog.Any("error", err))
		a.writeError(w, http.StatusBadGateway, "photo list unavailable")
	default:
		a.logger.Error("photo sync failed", slog.Any("error", err))
		a.writeError(w, http.StatusInternalServerError, "photo index unavailable")
	}
}

func (a *api) serveImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !photoIDPattern.MatchString(id) {
		a.writeError(w, http.StatusBadRequest, "invalid photo id")
		return
	}
	width, okW := positiveInt(r.PathValue("width"), 0)
	height, okH := positiveInt(r.PathValue("height"), 0)
	if !okW || !okH || width == 0 || height == 0 || width > maxImageSide || height > maxImageSide {
		a.writeError(w, http.StatusBadRequest, "invalid image size")
		return
	}

	url := photos.Photo{ID: id}.ImageURL(a.baseURL, width, height)
	result := make(chan []byte, 1)
	taskID := a.loader.Load(url, func(data []byte) { result <- data })

	select {
	case data := <-result:
		if data == nil {
			a.writeError(w, http.StatusBadGateway, "image unavailable")
			return
		}
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case <-r.Context().Done():
		a.loader.Cancel(taskID)
		a.logger.Debug("image request abandoned", slog.String("task_id", taskID), slog.String("url", url))
	}
}

func (a *api) serveClear(w http.ResponseWriter, r *http.Request) {
	if a.cache == nil {
		a.writeError(w, http.StatusNotImplemented, "image cache disabled")
		return
	}
	a.cache.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) serveHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"photos":     a.photos.Count(),
		"inFlight":   a.loader.InFlight(),
		"pending":    a.loader.Pending(),
		"observedAt": time.Now().UTC(),
	}
	if last, ok := a.photos.LastSync(); ok {
		status["lastSync"] = last.UTC()
	}
	a.writeJSON(w, http.StatusOK, status)
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]any{"error": message})
}

// positiveInt parses raw, returning fallback when it is empty.
func positiveInt(raw string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// statusCode reports what was sent; a handler that wrote nothing was
// abandoned by its client.
func (w *statusWriter) statusCode() int {
	if w.status == 0 {
		return 499
	}
	return w.status
}
