package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.retailstack.io", cfg.APIBaseURL)
	assert.Equal(t, "pos_agent.db", cfg.DBPath)
	assert.Equal(t, "127.0.0.1:8321", cfg.StatusAddr)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, "epson", cfg.Dialect)
	assert.Equal(t, 5*time.Second, cfg.SyncPollInterval)
	assert.Equal(t, 10, cfg.SyncMaxAttempts)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RETAILSTACK_API_URL", "https://staging.retailstack.io")
	t.Setenv("RETAILSTACK_DB_PATH", "/var/lib/pos-agent/agent.db")
	t.Setenv("RETAILSTACK_SYNC_POLL_INTERVAL", "30s")
	t.Setenv("RETAILSTACK_SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("RETAILSTACK_OTEL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://staging.retailstack.io", cfg.APIBaseURL)
	assert.Equal(t, "/var/lib/pos-agent/agent.db", cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.SyncPollInterval)
	assert.Equal(t, 5, cfg.SyncMaxAttempts)
	assert.True(t, cfg.OTelEnabled)
}

func TestLoad_RejectsMalformedValues(t *testing.T) {
	t.Setenv("RETAILSTACK_SYNC_POLL_INTERVAL", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETAILSTACK_SYNC_POLL_INTERVAL")

	os.Unsetenv("RETAILSTACK_SYNC_POLL_INTERVAL")
	t.Setenv("RETAILSTACK_SYNC_MAX_ATTEMPTS", "many")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETAILSTACK_SYNC_MAX_ATTEMPTS")
}

func TestLoadPrinters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
printers:
  - id: front-register
    transport: tcp
    listen: ":9100"
    dialect: epson
  - id: bar-printer
    transport: serial
    device: /dev/ttyUSB0
    baud: 19200
    dialect: star
`), 0o644))

	fleet, err := LoadPrinters(path)
	require.NoError(t, err)
	require.Len(t, fleet.Printers, 2)
	assert.Equal(t, "front-register", fleet.Printers[0].ID)
	assert.Equal(t, ":9100", fleet.Printers[0].Listen)
	assert.Equal(t, "serial", fleet.Printers[1].Transport)
	assert.Equal(t, 19200, fleet.Printers[1].Baud)
}

func TestLoadPrinters_Validation(t *testing.T) {
	cases := map[string]string{
		"no printers":        `printers: []`,
		"missing id":         "printers:\n  - transport: tcp\n    listen: \":9100\"",
		"duplicate id":       "printers:\n  - id: a\n    transport: stdin\n  - id: a\n    transport: stdin",
		"tcp without addr":   "printers:\n  - id: a\n    transport: tcp",
		"serial without dev": "printers:\n  - id: a\n    transport: serial",
		"unknown transport":  "printers:\n  - id: a\n    transport: carrier-pigeon",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "printers.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadPrinters(path)
			require.Error(t, err)
		})
	}
}

func TestSinglePrinterFallback(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	fleet := cfg.SinglePrinter()
	require.Len(t, fleet.Printers, 1)
	assert.Equal(t, "printer-1", fleet.Printers[0].ID)
	assert.Equal(t, "tcp", fleet.Printers[0].Transport)
	assert.Equal(t, ":9100", fleet.Printers[0].Listen)
}
