package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "stdio", cfg.Downstream.Transport)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpmux.yaml")

	body := `
log:
  level: debug
downstream:
  transport: sse
  port: 9090
manager:
  connect_timeout: 2s
servers:
  - name: github
    transport: streamable
    url: https://example.test/mcp
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "sse", cfg.Downstream.Transport)
	require.Equal(t, 9090, cfg.Downstream.Port)
	require.Equal(t, 2*time.Second, cfg.Manager.ConnectTimeout)
	require.Len(t, cfg.Servers, 1)
	require.Equal(t, "github", cfg.Servers[0].Name)
}

func TestLoadWithOverrides(t *testing.T) {
	cfg, err := LoadWithOverrides("", map[string]any{"log.level": "warn"})
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingRequiredEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: ${MCPMUX_TEST_MISSING_VAR}\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
