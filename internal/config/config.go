// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime settings for the sync server.
type Config struct {
	// Port serves the HTTP surface (websocket endpoint, health, metrics).
	Port int `env:"PORT" envDefault:"3000"`
	// TCPAddr serves the raw framed protocol. Empty disables the listener.
	TCPAddr string `env:"SYNC_TCP_ADDR" envDefault:"127.0.0.1:7420"`

	DataPath string `env:"SYNC_DATA_PATH" envDefault:"sync.db"`

	HandshakeTimeout   time.Duration `env:"SYNC_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	IdleTimeout        time.Duration `env:"SYNC_IDLE_TIMEOUT" envDefault:"5m"`
	CheckpointInterval time.Duration `env:"SYNC_CHECKPOINT_INTERVAL" envDefault:"30s"`

	// HistoryWindow bounds how many deltas each document retains for rebase.
	HistoryWindow int `env:"SYNC_HISTORY_WINDOW" envDefault:"256"`

	LogLevel string `env:"SYNC_LOG_LEVEL" envDefault:"info"`
}

// Load parses configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("history window must be positive: %d", c.HistoryWindow)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive: %s", c.HandshakeTimeout)
	}
	return nil
}

// HTTPAddr returns the listen address for the HTTP surface.
func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
