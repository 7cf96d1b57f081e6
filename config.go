package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"bookscan/auditlog"
	"bookscan/catalog"
	"bookscan/eventpipe"
	"bookscan/indicator"
	"bookscan/logging"
	"bookscan/mqtt"
	"bookscan/reader"
	"bookscan/tracker"
)

// Config is the main configuration structure for bookscan.
type Config struct {
	// Logging settings
	Log logging.Config `yaml:"log"`

	// Serial reader configuration
	Reader reader.Config `yaml:"reader"`

	// Dwell and debounce tuning
	Tracker tracker.Config `yaml:"tracker"`

	// MQTT connection settings
	MQTT mqtt.Config `yaml:"mqtt"`

	// Catalog API and cache file
	Catalog catalog.Config `yaml:"catalog"`

	// CSV audit log of every valid reading
	Audit auditlog.Config `yaml:"audit"`

	// Indicator configuration
	Indicator indicator.Config `yaml:"indicator"`

	// Bench command pipe
	EventPipe eventpipe.Config `yaml:"event_pipe"`

	// General settings
	ClientID      string        `yaml:"client_id"`
	SendSecret    string        `yaml:"send_secret"`    // base64 HMAC key for remote send; empty accepts unsigned
	ResultHold    time.Duration `yaml:"result_hold"`    // how long found/not found stays lit
	SweepInterval time.Duration `yaml:"sweep_interval"` // stale tracking entry sweep
	PingInterval  time.Duration `yaml:"ping_interval"`
}

const (
	defaultResultHold    = 3 * time.Second
	defaultSweepInterval = 5 * time.Second
	defaultPingInterval  = 120 * time.Second
)

// loadConfig reads and validates the YAML config file at path.
func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id missing in config file")
	}

	cfg.Reader = cfg.Reader.WithDefaults()
	cfg.Tracker = cfg.Tracker.WithDefaults()
	if cfg.ResultHold <= 0 {
		cfg.ResultHold = defaultResultHold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &cfg, nil
}
