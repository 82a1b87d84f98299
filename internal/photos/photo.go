// Package photos syncs the picsum photo list into a local index and answers
// paging and search queries against it.
package photos

import (
	"fmt"
	"strings"
)

// Photo mirrors an entry of the /v2/list endpoint.
type Photo struct {
	ID          string `json:"id"`
	Author      string `json:"author"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

// AspectRatio returns height divided by width, or zero for a degenerate photo.
func (p Photo) AspectRatio() float64 {
	if p.Width <= 0 {
		return 0
	}
	return float64(p.Height) / float64(p.Width)
}

func (p Photo) SizeText() string {
	return fmt.Sprintf("%d × %d", p.Width, p.Height)
}

// ImageURL builds the resized image address for p.
func (p Photo) ImageURL(base string, width, height int) string {
	return fmt.Sprintf("%s/id/%s/%d/%d", strings.TrimRight(base, "/"), p.ID, width, height)
}

// DisplaySize scales p to targetWidth keeping its aspect ratio.
func (p Photo) DisplaySize(targetWidth int) (int, int) {
	return targetWidth, int(float64(targetWidth) * p.AspectRatio())
}

// DisplayURL returns a resized URL when p is larger than the display size in
// both dimensions and the original download URL otherwise.
func (p Photo) DisplayURL(base string, targetWidth int) string {
	w, h := p.DisplaySize(targetWidth)
	if p.Width > w && p.Height > h && h > 0 {
		return p.ImageURL(base, w, h)
	}
	return p.DownloadURL
}

func (p Photo) valid() bool {
	return strings.TrimSpace(p.ID) != "" && p.URL != "" && p.DownloadURL != ""
}
