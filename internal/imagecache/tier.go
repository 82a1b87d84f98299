package imagecache

import (
	"net/url"
	"strings"
)

// Tier is one key->bytes store in the tiered cache. Implementations must be
// safe for concurrent use. A missing or unreadable entry is reported as
// absence; tiers never surface I/O failures to callers.
type Tier interface {
	// Name is a fixed identity used in logs and metrics.
	Name() string
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Remove(key string)
	// Clear drops every entry held by this tier only.
	Clear()
}

// Flusher is implemented by tiers whose writes complete asynchronously.
type Flusher interface {
	Flush()
}

// Closer is implemented by tiers holding resources such as file handles or
// network connections.
type Closer interface {
	Close() error
}

// Key derives the cache key for a resource address. Equivalent spellings of
// the same absolute URL map to one key; anything unparsable is used verbatim.
func Key(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trimmed
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
