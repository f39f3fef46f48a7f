package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
name = "test"

[tick]
rate = "100ms"
workers = 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Server.Name)
	assert.Equal(t, 100*time.Millisecond, cfg.Tick.Rate)
	assert.Equal(t, 2, cfg.Tick.Workers)

	// Unset sections fall back to defaults.
	assert.Equal(t, "0.0.0.0:25565", cfg.Network.BindAddress)
	assert.Equal(t, 1024, cfg.Tick.MaxCommandsPerTick)
	assert.Equal(t, "data/world.rgb", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, cfg.Tick.Rate, cfg.Tick.SoftDeadline,
		"soft deadline defaults to the tick rate")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nname="), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
