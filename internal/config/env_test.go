package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEnvDefaults(t *testing.T) {
	cfg, err := LoadEnv()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 10000, cfg.ConnectTimeoutMs)
	require.NoError(t, cfg.ValidateEnv())
}

func TestValidateEnvRejectsBadLevel(t *testing.T) {
	cfg := EnvConfig{LogLevel: "verbose", ConnectTimeoutMs: 1, StopTimeoutMs: 1}
	require.Error(t, cfg.ValidateEnv())
}
