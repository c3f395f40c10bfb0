package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8090", cfg.Server.Port)
	assert.NotEmpty(t, cfg.Shell.Path)
	assert.Equal(t, "pty", cfg.Shell.Backend)
	assert.Equal(t, 1<<20, cfg.Blocks.MaxOutputBytes)
	assert.Equal(t, 1000, cfg.Blocks.MaxBlocks)
	assert.Equal(t, 3*time.Second, cfg.Cancel.GracePeriod.Std())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BLOCK_MAX_OUTPUT_BYTES", "4096")
	t.Setenv("CANCEL_GRACE_PERIOD", "500ms")
	t.Setenv("SHELL_BACKEND", "pipe")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4096, cfg.Blocks.MaxOutputBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.Cancel.GracePeriod.Std())
	assert.Equal(t, "pipe", cfg.Shell.Backend)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[shell]
path = "/bin/sh"
backend = "pipe"

[blocks]
max_output_bytes = 2048
max_blocks = 50

[cancel]
grace_period = "1s"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/bin/sh", cfg.Shell.Path)
	assert.Equal(t, "pipe", cfg.Shell.Backend)
	assert.Equal(t, 2048, cfg.Blocks.MaxOutputBytes)
	assert.Equal(t, 50, cfg.Blocks.MaxBlocks)
	assert.Equal(t, time.Second, cfg.Cancel.GracePeriod.Std())
	// Untouched sections keep defaults.
	assert.Equal(t, "8090", cfg.Server.Port)
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[blocks]\nmax_blocks = 50\n"), 0o644))

	t.Setenv("BLOCK_MAX_COUNT", "7")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Blocks.MaxBlocks)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/config.toml")
	assert.Error(t, err)
}
