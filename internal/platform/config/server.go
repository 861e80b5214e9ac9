package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// StorageBackend selects the dispatch store implementation.
type StorageBackend string

const (
	StorageMemory   StorageBackend = "memory"
	StoragePostgres StorageBackend = "postgres"
)

// ServerConfig configures the websocket API process.
//
// These values are deployment-provided; defaults favor local development.
type ServerConfig struct {
	Addr string

	Storage     StorageBackend
	DatabaseURL string

	AllowedOrigins []string

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func LoadServerConfigFromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:       ":8080",
		Storage:    StorageMemory,
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Addr = v
	}

	switch v := os.Getenv("STORAGE_BACKEND"); v {
	case "", string(StorageMemory):
		cfg.Storage = StorageMemory
	case string(StoragePostgres):
		cfg.Storage = StoragePostgres
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			return ServerConfig{}, fmt.Errorf("STORAGE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return ServerConfig{}, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageMemory, StoragePostgres, v)
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if v := os.Getenv("WS_WRITE_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("WS_WRITE_WAIT must be a duration (e.g. 10s): %w", err)
		}
		cfg.WriteWait = d
	}
	if v := os.Getenv("WS_PONG_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("WS_PONG_WAIT must be a duration (e.g. 60s): %w", err)
		}
		cfg.PongWait = d
	}
	// Pings must arrive inside the pong window or the peer times out first.
	cfg.PingPeriod = cfg.PongWait * 9 / 10

	return cfg, nil
}
