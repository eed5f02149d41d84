// Package config defines mcpmux's application configuration model and the
// layered loader (defaults < file < env) used to populate it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AppConfig holds all mcpmux configuration loaded from file and environment.
type AppConfig struct {
	Log       LogConfig       `koanf:"log"`
	Manager   ManagerConfig   `koanf:"manager"`
	Downstream DownstreamConfig `koanf:"downstream"`
	OAuth     OAuthConfig     `koanf:"oauth"`
	Servers   []ServerConfig  `koanf:"servers"`
	State     StateConfig     `koanf:"state"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// ManagerConfig controls the registry's connect/disconnect/stop timeouts and
// keep-alive policy.
type ManagerConfig struct {
	ConnectTimeout    time.Duration `koanf:"connect_timeout"`
	DisconnectTimeout time.Duration `koanf:"disconnect_timeout"`
	StopTimeout       time.Duration `koanf:"stop_timeout"`
	KeepAlive         bool          `koanf:"keep_alive"`
}

// DownstreamConfig controls the transport mcpmux itself serves to its single
// downstream MCP client.
type DownstreamConfig struct {
	Transport string `koanf:"transport"` // "stdio", "sse", or "streamable"
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
}

// OAuthConfig controls the reference AuthManager implementation.
type OAuthConfig struct {
	CallbackBaseURL string `koanf:"callback_base_url"`
}

// StateConfig controls how server configuration (including the session id
// and connection status written back after connecting) is persisted.
type StateConfig struct {
	SQLitePath string `koanf:"sqlite_path"` // empty => in-memory store
}

// ServerConfig describes one upstream MCP server entry as loaded from
// configuration; it is converted to configstore.ServerConfig at startup.
type ServerConfig struct {
	ID      string            `koanf:"id"`
	Name    string            `koanf:"name"`
	Transport string          `koanf:"transport"`
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`
}

var validManagerTransports = map[string]bool{
	"stdio": true, "sse": true, "streamable": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// DefaultAppConfig returns the configuration mcpmux starts from before any
// file or environment overrides are applied.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Log: LogConfig{Level: "info", Format: "text"},
		Manager: ManagerConfig{
			ConnectTimeout:    10 * time.Second,
			DisconnectTimeout: 5 * time.Second,
			StopTimeout:       10 * time.Second,
			KeepAlive:         true,
		},
		Downstream: DownstreamConfig{
			Transport: "stdio",
			Host:      "0.0.0.0",
			Port:      8080,
		},
		State: StateConfig{SQLitePath: ""},
	}
}

// Validate checks the configuration for internal consistency.
func (c *AppConfig) Validate() error {
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	if !validManagerTransports[c.Downstream.Transport] {
		return fmt.Errorf("invalid downstream transport %q, must be one of: stdio, sse, streamable", c.Downstream.Transport)
	}
	if c.Downstream.Transport != "stdio" && (c.Downstream.Port <= 0 || c.Downstream.Port > 65535) {
		return fmt.Errorf("invalid downstream port %d, must be 1-65535", c.Downstream.Port)
	}
	if c.Manager.ConnectTimeout <= 0 {
		return errors.New("manager connect_timeout must be positive")
	}
	if c.Manager.DisconnectTimeout <= 0 {
		return errors.New("manager disconnect_timeout must be positive")
	}
	if c.Manager.StopTimeout <= 0 {
		return errors.New("manager stop_timeout must be positive")
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		name := strings.TrimSpace(srv.Name)
		if name == "" {
			return errors.New("server name is required")
		}
		if !validManagerTransports[srv.Transport] {
			return fmt.Errorf("server %q: invalid transport %q", name, srv.Transport)
		}
		if srv.Transport == "stdio" && strings.TrimSpace(srv.Command) == "" {
			return fmt.Errorf("server %q: command is required for stdio transport", name)
		}
		if srv.Transport != "stdio" && strings.TrimSpace(srv.URL) == "" {
			return fmt.Errorf("server %q: url is required for %s transport", name, srv.Transport)
		}
		if _, exists := seen[name]; exists {
			return fmt.Errorf("duplicate server name %q", name)
		}
		seen[name] = struct{}{}
	}

	return nil
}
