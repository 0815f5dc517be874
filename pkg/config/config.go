// Package config loads agent configuration from environment variables,
// with an optional YAML fleet profile for multi-printer deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds agent configuration.
type Config struct {
	// Backend sync.
	APIBaseURL string
	APIKey     string
	AuthSecret string
	AgentID    string

	// Durable buffer.
	DBPath string

	// Local status API. Loopback by default: the surface carries no auth.
	StatusAddr string

	// Capture defaults, used when no fleet profile is given.
	PrinterID  string
	ListenAddr string
	Dialect    string

	// PrintersFile points at a YAML fleet profile; empty means a single
	// TCP printer from the fields above.
	PrintersFile string

	LogLevel string

	SyncPollInterval time.Duration
	SyncMaxAttempts  int
	SyncBackoffBase  time.Duration
	SyncBackoffCap   time.Duration

	OTelEnabled  bool
	OTLPEndpoint string
}

// Load reads configuration from RETAILSTACK_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:   envStr("RETAILSTACK_API_URL", "https://api.retailstack.io"),
		APIKey:       os.Getenv("RETAILSTACK_API_KEY"),
		AuthSecret:   os.Getenv("RETAILSTACK_AUTH_SECRET"),
		AgentID:      envStr("RETAILSTACK_AGENT_ID", defaultAgentID()),
		DBPath:       envStr("RETAILSTACK_DB_PATH", "pos_agent.db"),
		StatusAddr:   envStr("RETAILSTACK_STATUS_ADDR", "127.0.0.1:8321"),
		PrinterID:    envStr("RETAILSTACK_PRINTER_ID", "printer-1"),
		ListenAddr:   envStr("RETAILSTACK_LISTEN_ADDR", ":9100"),
		Dialect:      envStr("RETAILSTACK_DIALECT", "epson"),
		PrintersFile: os.Getenv("RETAILSTACK_PRINTERS_FILE"),
		LogLevel:     envStr("RETAILSTACK_LOG_LEVEL", "INFO"),
		OTelEnabled:  os.Getenv("RETAILSTACK_OTEL_ENABLED") == "true",
		OTLPEndpoint: envStr("RETAILSTACK_OTLP_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.SyncPollInterval, err = envDuration("RETAILSTACK_SYNC_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncBackoffBase, err = envDuration("RETAILSTACK_SYNC_BACKOFF_BASE", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncBackoffCap, err = envDuration("RETAILSTACK_SYNC_BACKOFF_CAP", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SyncMaxAttempts, err = envInt("RETAILSTACK_SYNC_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil {
		return "pos-agent"
	}
	return host
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, raw)
	}
	return d, nil
}
