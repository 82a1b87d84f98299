package photos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhotoDerivedFields(t *testing.T) {
	p := Photo{ID: "10", Author: "Paul Jarvis", Width: 2500, Height: 1667, URL: "https://unsplash.com/photos/6J--NXulQCs", DownloadURL: "https://picsum.photos/id/10/2500/1667"}

	require.InDelta(t, 0.6668, p.AspectRatio(), 0.0001)
	require.Equal(t, "2500 × 1667", p.SizeText())
	require.Equal(t, "https://picsum.photos/id/10/300/200", p.ImageURL("https://picsum.photos/", 300, 200))

	w, h := p.DisplaySize(600)
	require.Equal(t, 600, w)
	require.Equal(t, 400, h)
	require.Equal(t, "https://picsum.photos/id/10/600/400", p.DisplayURL("https://picsum.photos", 600))
}

func TestPhotoDisplayURLKeepsSmallImages(t *testing.T) {
	p := Photo{ID: "7", Width: 400, Height: 300, DownloadURL: "https://picsum.photos/id/7/400/300"}
	require.Equal(t, p.DownloadURL, p.DisplayURL("https://picsum.photos", 600))
}

func TestPhotoZeroWidth(t *testing.T) {
	p := Photo{ID: "1", Width: 0, Height: 100, DownloadURL: "https://picsum.photos/id/1/0/100"}
	require.Zero(t, p.AspectRatio())
	require.Equal(t, p.DownloadURL, p.DisplayURL("https://picsum.photos", 600))
}
