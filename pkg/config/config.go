// Package config loads the daemon configuration from a YAML file and fills
// in defaults. Every knob defaults sanely so `gofer serve` runs without any
// file present.
package config

import (
	"fmt"
	"os"
	"time"

	"gofer/pkg/protocol"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"` // HTTP API bind address
	DBPath     string `yaml:"db_path"`     // SQLite database path

	// Presence selects the heartbeat backend: "sqlite" (default, shares
	// db_path) or "redis".
	Presence  string `yaml:"presence"`
	RedisAddr string `yaml:"redis_addr"`

	// Matching windows. Durations use Go syntax ("60s", "5m").
	OfferWindow     time.Duration `yaml:"offer_window"`
	HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
	RadiusMeters    float64       `yaml:"radius_meters"`
	ExhaustionDwell time.Duration `yaml:"exhaustion_dwell"`
	CancelWindow    time.Duration `yaml:"cancel_window"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	// Logging.
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // console | json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8650",
		DBPath:          "gofer.db",
		Presence:        "sqlite",
		RedisAddr:       "127.0.0.1:6379",
		OfferWindow:     protocol.OfferWindow,
		HeartbeatWindow: protocol.HeartbeatWindow,
		RadiusMeters:    protocol.ProximityRadiusMeters,
		ExhaustionDwell: protocol.ExhaustionDwell,
		CancelWindow:    protocol.CancelWindow,
		SweepInterval:   protocol.SweepInterval,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load reads path and overlays it on the defaults. A missing file is not an
// error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

// withDefaults re-fills any field the file zeroed out.
func (c Config) withDefaults() Config {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.Presence == "" {
		c.Presence = d.Presence
	}
	if c.RedisAddr == "" {
		c.RedisAddr = d.RedisAddr
	}
	if c.OfferWindow == 0 {
		c.OfferWindow = d.OfferWindow
	}
	if c.HeartbeatWindow == 0 {
		c.HeartbeatWindow = d.HeartbeatWindow
	}
	if c.RadiusMeters == 0 {
		c.RadiusMeters = d.RadiusMeters
	}
	if c.ExhaustionDwell == 0 {
		c.ExhaustionDwell = d.ExhaustionDwell
	}
	if c.CancelWindow == 0 {
		c.CancelWindow = d.CancelWindow
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	return c
}
