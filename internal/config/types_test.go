package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	badBackend := cfg
	badBackend.Cache.Persistent = "sqlite"
	require.Error(t, badBackend.Validate())

	valkeyWithoutAddress := cfg
	valkeyWithoutAddress.Cache.Valkey.Enabled = true
	require.Error(t, valkeyWithoutAddress.Validate())

	noWorkers := cfg
	noWorkers.Loader.MaxConcurrent = 0
	require.Error(t, noWorkers.Validate())

	negativeTimeout := cfg
	negativeTimeout.Loader.FetchTimeoutSeconds = -1
	require.Error(t, negativeTimeout.Validate())

	badBaseURL := cfg
	badBaseURL.Photos.BaseURL = "not a url"
	require.Error(t, badBaseURL.Validate())

	noPaging := cfg
	noPaging.Photos.BatchSize = 0
	require.Error(t, noPaging.Validate())

	var nilCfg *Config
	require.Error(t, nilCfg.Validate())
}

func TestConfigDurations(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 30*time.Second, cfg.Loader.FetchTimeout())
	require.Equal(t, int64(100*1024*1024), cfg.Cache.MemoryBudgetBytes())
	require.Equal(t, 24*time.Hour, cfg.Photos.MaxAge())

	cfg.Loader.FetchTimeoutSeconds = 0
	require.Zero(t, cfg.Loader.FetchTimeout())
}
