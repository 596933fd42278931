package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config aggregates every tunable of the service.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Sync   SyncConfig
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Addr is derived from Port; it accepts ":8080", "127.0.0.1:8080"
	// or a bare port number.
	Addr string `env:"-"`
}

// StoreConfig selects the session storage backend.
type StoreConfig struct {
	// Path points at the SQLite database file. Empty keeps sessions in
	// memory only.
	Path string `env:"STORE_PATH"`
	// LockTimeout bounds the wait for a session's mutation lock.
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"2s"`
	// GridSize and CellSize seed new sessions' board settings.
	GridSize int `env:"GRID_SIZE" envDefault:"15"`
	CellSize int `env:"CELL_SIZE" envDefault:"40"`
}

// SyncConfig tunes delta fan-out and mutation replay.
type SyncConfig struct {
	// SubscriberQueueSize bounds pending deltas per subscriber before
	// it is dropped and must resynchronize.
	SubscriberQueueSize int `env:"SUBSCRIBER_QUEUE_SIZE" envDefault:"256"`
	// IdempotencyTTL is the retention window for idempotency tokens.
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"5m"`
	// DiceLogCap bounds a session's dice log.
	DiceLogCap int `env:"DICE_LOG_CAP" envDefault:"100"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parse server env: %w", err)
	}
	if err := env.Parse(&cfg.Store); err != nil {
		return nil, fmt.Errorf("parse store env: %w", err)
	}
	if err := env.Parse(&cfg.Sync); err != nil {
		return nil, fmt.Errorf("parse sync env: %w", err)
	}

	addr, err := normalizeAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr
	return &cfg, nil
}

// normalizeAddr accepts ":8080", "127.0.0.1:8080" or a bare port.
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	return ":" + port, nil
}
