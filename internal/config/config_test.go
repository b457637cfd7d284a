package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 2, cfg.Limits.MaxSpawnDepth)
	assert.Equal(t, 5, cfg.Limits.MaxActiveChildren)
	assert.Equal(t, 15, cfg.Limits.MaxTotalChildren)
	assert.Equal(t, 100, cfg.Limits.ReplayPageSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9191")
	t.Setenv("REPLAY_PAGE_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.ListenAddr)
	assert.Equal(t, 25, cfg.Limits.ReplayPageSize)
}

func TestLoad_LimitsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	content := "max_spawn_depth: 3\nmax_active_children: 10\ndefault_model: large\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("LIMITS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Limits.MaxSpawnDepth)
	assert.Equal(t, 10, cfg.Limits.MaxActiveChildren)
	assert.Equal(t, 15, cfg.Limits.MaxTotalChildren) // untouched
	assert.Equal(t, "large", cfg.Limits.DefaultModel)
}

func TestLoad_LimitsFileMissing(t *testing.T) {
	t.Setenv("LIMITS_FILE", "/nonexistent/limits.yaml")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.NoError(t, cfg.Validate())

	cfg.Environment = "production"
	assert.Error(t, cfg.Validate())

	cfg.SandboxTokenSecret = "s1"
	cfg.CallbackSecret = "s2"
	assert.NoError(t, cfg.Validate())
}

func TestRuntimeEnabled(t *testing.T) {
	cfg := &Config{RuntimeMode: "http"}
	assert.False(t, cfg.RuntimeEnabled())
	cfg.RuntimeURL = "http://runtime:9000"
	assert.True(t, cfg.RuntimeEnabled())

	cfg = &Config{RuntimeMode: "k8s", RuntimeImage: "sandbox:latest"}
	assert.True(t, cfg.RuntimeEnabled())

	cfg = &Config{RuntimeMode: "none"}
	assert.False(t, cfg.RuntimeEnabled())
}
