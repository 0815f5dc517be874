package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PrinterProfile defines one printer tap in a fleet profile.
type PrinterProfile struct {
	ID        string `yaml:"id" json:"id"`
	Transport string `yaml:"transport" json:"transport"` // "tcp" | "serial" | "stdin"

	// Listen is the TCP listen address, e.g. ":9100".
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// Device and Baud configure a serial tap, e.g. /dev/ttyUSB0 at 9600.
	Device string `yaml:"device,omitempty" json:"device,omitempty"`
	Baud   int    `yaml:"baud,omitempty" json:"baud,omitempty"`

	// IdleTimeout bounds a silent TCP connection; zero means no limit.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// Dialect names the command table: epson (default), star, bixolon.
	Dialect string `yaml:"dialect,omitempty" json:"dialect,omitempty"`
}

// FleetProfile is the YAML shape of a multi-printer deployment file.
type FleetProfile struct {
	Printers []PrinterProfile `yaml:"printers" json:"printers"`
}

// LoadPrinters reads and validates a fleet profile.
func LoadPrinters(path string) (*FleetProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet profile: %w", err)
	}

	var fleet FleetProfile
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("parse fleet profile %s: %w", path, err)
	}
	if len(fleet.Printers) == 0 {
		return nil, fmt.Errorf("fleet profile %s: no printers defined", path)
	}

	seen := map[string]bool{}
	for i, p := range fleet.Printers {
		if p.ID == "" {
			return nil, fmt.Errorf("fleet profile %s: printer %d has no id", path, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("fleet profile %s: duplicate printer id %q", path, p.ID)
		}
		seen[p.ID] = true
		switch p.Transport {
		case "tcp":
			if p.Listen == "" {
				return nil, fmt.Errorf("fleet profile %s: printer %q: tcp transport needs listen", path, p.ID)
			}
		case "serial":
			if p.Device == "" {
				return nil, fmt.Errorf("fleet profile %s: printer %q: serial transport needs device", path, p.ID)
			}
		case "stdin":
		default:
			return nil, fmt.Errorf("fleet profile %s: printer %q: unknown transport %q", path, p.ID, p.Transport)
		}
	}
	return &fleet, nil
}

// SinglePrinter builds a one-printer fleet from the flat env fields, used
// when no fleet profile file is configured.
func (c *Config) SinglePrinter() *FleetProfile {
	return &FleetProfile{Printers: []PrinterProfile{{
		ID:        c.PrinterID,
		Transport: "tcp",
		Listen:    c.ListenAddr,
		Dialect:   c.Dialect,
	}}}
}
