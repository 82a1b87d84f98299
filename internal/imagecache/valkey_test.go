package imagecache

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newValkeyTier(t *testing.T, ttl time.Duration) (*ValkeyTier, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	tier, err := NewValkey(ValkeyConfig{Address: server.Addr(), Prefix: "img:", TTL: ttl}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier, server
}

func TestValkeyTierRoundTrip(t *testing.T) {
	tier, server := newValkeyTier(t, 0)

	_, ok := tier.Get("a")
	require.False(t, ok)

	tier.Set("a", []byte{0x0, 0xff, 0x10})
	got, ok := tier.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte{0x0, 0xff, 0x10}, got)
	require.True(t, server.Exists("img:a"))

	tier.Remove("a")
	_, ok = tier.Get("a")
	require.False(t, ok)
}

func TestValkeyTierAppliesTTL(t *testing.T) {
	tier, server := newValkeyTier(t, time.Minute)
	tier.Set("a", []byte("v"))
	require.Equal(t, time.Minute, server.TTL("img:a"))

	server.FastForward(2 * time.Minute)
	_, ok := tier.Get("a")
	require.False(t, ok)
}

func TestValkeyTierClearOnlyTouchesPrefix(t *testing.T) {
	tier, server := newValkeyTier(t, 0)
	require.NoError(t, server.Set("other", "keep"))
	for _, key := range []string{"a", "b", "c"} {
		tier.Set(key, []byte(key))
	}

	tier.Clear()

	for _, key := range []string{"a", "b", "c"} {
		_, ok := tier.Get(key)
		require.False(t, ok)
	}
	require.True(t, server.Exists("other"))
}

func TestValkeyTierReportsMissOnServerError(t *testing.T) {
	tier, server := newValkeyTier(t, 0)
	tier.Set("a", []byte("v"))
	server.SetError("LOADING server is loading")

	_, ok := tier.Get("a")
	require.False(t, ok)
}

func TestNewValkeyRequiresAddress(t *testing.T) {
	_, err := NewValkey(ValkeyConfig{}, nil)
	require.Error(t, err)
}
