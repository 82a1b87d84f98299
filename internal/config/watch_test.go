package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeConfig(t, "server:\n  logging:\n    level: info\n")
	loader := NewLoader("PICSUM", path)

	changes := make(chan Config, 4)
	errs := make(chan error, 4)
	watcher, err := loader.Watch(ctx, func(cfg Config) { changes <- cfg }, func(err error) { errs <- err })
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  logging:\n    level: debug\n"), 0o600))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-changes:
			// A reload may observe the file mid-write; the next event settles it.
			if cfg.Server.Logging.Level == "debug" {
				return
			}
		case <-errs:
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
}

func TestWatchReportsInvalidSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeConfig(t, "loader:\n  maxConcurrent: 3\n")
	loader := NewLoader("PICSUM", path)

	changes := make(chan Config, 4)
	errs := make(chan error, 4)
	watcher, err := loader.Watch(ctx, func(cfg Config) { changes <- cfg }, func(err error) { errs <- err })
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("loader:\n  maxConcurrent: -1\n"), 0o600))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-errs:
			require.ErrorContains(t, err, "maxConcurrent")
			return
		case cfg := <-changes:
			require.NotEqual(t, -1, cfg.Loader.MaxConcurrent)
		case <-deadline:
			t.Fatalf("timed out waiting for reload error")
		}
	}
}

func TestWatchRequiresFileAndCallback(t *testing.T) {
	_, err := NewLoader("PICSUM").Watch(context.Background(), func(Config) {}, nil)
	require.Error(t, err)

	_, err = NewLoader("PICSUM", "picsum.yaml").Watch(context.Background(), nil, nil)
	require.Error(t, err)

	var w *Watcher
	w.Stop()
}
