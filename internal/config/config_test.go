package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8640", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.MaxRetryCount)
	assert.Equal(t, "local", cfg.LLM.Mode)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
http_addr: ":9000"
worker_pool_size: 2
llm:
  mode: remote
  remote_url: https://api.example.com/v1
experts:
  - name: Analyst
    description: analyzes things
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 2, cfg.WorkerPoolSize)
	assert.Equal(t, "remote", cfg.LLM.Mode)
	assert.Equal(t, "https://api.example.com/v1", cfg.LLM.RemoteURL)
	require.Len(t, cfg.Experts, 1)
	assert.Equal(t, "Analyst", cfg.Experts[0].Name)

	// untouched values keep their defaults
	assert.Equal(t, 3, cfg.LifeCycle)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MANDOS_HTTP_ADDR", ":7777")
	t.Setenv("MANDOS_WORKER_POOL_SIZE", "16")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.HTTPAddr)
	assert.Equal(t, 16, cfg.WorkerPoolSize)
}
