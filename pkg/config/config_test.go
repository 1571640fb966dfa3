package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/config"
)

func TestDefaultMatchesSupervisorDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "memory", cfg.Backend.Driver)
	assert.Equal(t, 4, cfg.Router.Workers)
	assert.Equal(t, 1, cfg.Router.HouseKeepers)
	assert.Equal(t, 60*time.Second, cfg.Router.ClaimTTL)
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sequent.yaml")
	yaml := "backend:\n  driver: postgres\n  dsn: postgres://example\nrouter:\n  workers: 8\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Backend.Driver)
	assert.Equal(t, "postgres://example", cfg.Backend.DSN)
	assert.Equal(t, 8, cfg.Router.Workers)
	// fields the file didn't override keep their defaults.
	assert.Equal(t, 1, cfg.Router.HouseKeepers)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SEQUENT_BACKEND_DRIVER", "sqlite")
	t.Setenv("SEQUENT_ROUTER_WORKERS", "2")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend.Driver)
	assert.Equal(t, 2, cfg.Router.Workers)
}

func TestLoadUnknownFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
