package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8137, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Session.HistorySize)
	assert.Equal(t, 256*1024, cfg.Session.MaxMessageBytes)
	assert.Equal(t, 5, cfg.Process.BreakerLimit)
	assert.Equal(t, "json", cfg.Storage.Driver)
	assert.Equal(t, "", cfg.NATS.URL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("server:\n  port: 9001\nsession:\n  historySize: 50\nstorage:\n  driver: sqlite\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Session.HistorySize)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CODERELAY_SERVER_PORT", "9300")
	t.Setenv("CODERELAY_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestValidateRejectsBadDriver(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("storage:\n  driver: dynamo\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, cfg.Session.PermissionTimeout().Seconds(), float64(cfg.Session.PermissionTimeoutSec))
	assert.Equal(t, cfg.Process.KillGrace().Seconds(), float64(cfg.Process.KillGraceSec))
}
