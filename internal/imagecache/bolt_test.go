package imagecache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltTierRoundTripAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "images.db")
	tier, err := OpenBolt(path, nil)
	require.NoError(t, err)

	_, ok := tier.Get("a")
	require.False(t, ok)

	tier.Set("a", []byte{0x1, 0x2})
	got, ok := tier.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte{0x1, 0x2}, got)

	tier.Remove("a")
	_, ok = tier.Get("a")
	require.False(t, ok)

	tier.Set("b", []byte("b"))
	tier.Set("c", []byte("c"))
	tier.Clear()
	_, ok = tier.Get("b")
	require.False(t, ok)
	_, ok = tier.Get("c")
	require.False(t, ok)

	require.NoError(t, tier.Close())
}

func TestBoltTierPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.db")
	tier, err := OpenBolt(path, nil)
	require.NoError(t, err)
	tier.Set("k", []byte("persisted"))
	require.NoError(t, tier.Close())

	reopened, err := OpenBolt(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok := reopened.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), got)
}

func TestBoltTierIgnoresEmptyKey(t *testing.T) {
	tier, err := OpenBolt(filepath.Join(t.TempDir(), "images.db"), nil)
	require.NoError(t, err)
	defer tier.Close()

	tier.Set("", []byte("x"))
	_, ok := tier.Get("")
	require.False(t, ok)
}
