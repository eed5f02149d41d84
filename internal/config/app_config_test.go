package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppConfigIsValid(t *testing.T) {
	cfg := DefaultAppConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Manager.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Manager.DisconnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Manager.StopTimeout)
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Downstream.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateServerNames(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Servers = []ServerConfig{
		{Name: "github", Transport: "streamable", URL: "https://a.test"},
		{Name: "github", Transport: "streamable", URL: "https://b.test"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresCommandForStdio(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Servers = []ServerConfig{{Name: "local", Transport: "stdio"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresURLForHTTP(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Servers = []ServerConfig{{Name: "remote", Transport: "sse"}}
	assert.Error(t, cfg.Validate())
}
