// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults; the serve entrypoint layers command-line flags on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all chat-server configuration.
type Config struct {
	TCPAddr  string // framed TCP listen address
	WSAddr   string // WebSocket gateway address (empty to disable)
	QUICAddr string // QUIC gateway address (empty to disable)
	APIAddr  string // admin REST API address (empty to disable)
	DBPath   string // SQLite database path

	HeartbeatCheck    bool          // idle watchdog switch; on by default
	HeartbeatInterval time.Duration // watchdog check period
	IdleTimeout       time.Duration // max gap between inbound packets
	CacheDepth        int           // per-user offline queue cap
	CertValidity      time.Duration // self-signed certificate lifetime
	MetricsInterval   time.Duration // metrics log period
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		TCPAddr:  getEnv("FLAMINGO_TCP_ADDR", ":20000"),
		WSAddr:   getEnv("FLAMINGO_WS_ADDR", ":20050"),
		QUICAddr: getEnv("FLAMINGO_QUIC_ADDR", ""),
		APIAddr:  getEnv("FLAMINGO_API_ADDR", ":8080"),
		DBPath:   getEnv("FLAMINGO_DB_PATH", "flamingo.db"),

		HeartbeatCheck:    getEnvBool("FLAMINGO_HEARTBEAT_CHECK", true),
		HeartbeatInterval: getEnvDuration("FLAMINGO_HEARTBEAT_INTERVAL", 5*time.Second),
		IdleTimeout:       getEnvDuration("FLAMINGO_IDLE_TIMEOUT", 30*time.Second),
		CacheDepth:        getEnvInt("FLAMINGO_OFFLINE_CACHE_DEPTH", 1000),
		CertValidity:      getEnvDuration("FLAMINGO_CERT_VALIDITY", 24*time.Hour),
		MetricsInterval:   getEnvDuration("FLAMINGO_METRICS_INTERVAL", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.TCPAddr == "" {
		return fmt.Errorf("FLAMINGO_TCP_ADDR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("FLAMINGO_DB_PATH cannot be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("FLAMINGO_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("FLAMINGO_IDLE_TIMEOUT must exceed the heartbeat interval")
	}
	if c.CacheDepth <= 0 {
		return fmt.Errorf("FLAMINGO_OFFLINE_CACHE_DEPTH must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
