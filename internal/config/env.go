package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvConfig holds the small set of process-level knobs that are more
// natural as plain environment variables than as file-backed config.
type EnvConfig struct {
	LogLevel       string `env:"MCPMUX_LOG_LEVEL" envDefault:"info"`
	ConnectTimeoutMs int  `env:"MCPMUX_CONNECT_TIMEOUT_MS" envDefault:"10000"`
	StopTimeoutMs    int  `env:"MCPMUX_STOP_TIMEOUT_MS" envDefault:"10000"`
}

// LoadEnv parses environment variables into EnvConfig.
func LoadEnv() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("parsing env config: %w", err)
	}
	return cfg, nil
}

// ValidateEnv checks that the configuration values are valid.
func (c *EnvConfig) ValidateEnv() error {
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.StopTimeoutMs <= 0 {
		return fmt.Errorf("stop timeout must be positive")
	}
	return nil
}
