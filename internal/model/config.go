// Package model defines the data structures for selftestd's configuration, persisted results, and user responses.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Selftest SelftestConfig `yaml:"selftest"`
	Machine  MachineConfig  `yaml:"machine"`
	Store    StoreConfig    `yaml:"store"`
	History  HistoryConfig  `yaml:"history"`
	Feed     FeedConfig     `yaml:"feed"`
	Notify   NotifyConfig   `yaml:"notify"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SelftestConfig struct {
	LoopPeriodMs     int     `yaml:"loop_period_ms"`     // minimum interval between two effective Loop ticks
	WaitDwellMs      int     `yaml:"wait_dwell_ms"`      // how long Wait_* states hold before advancing
	HeaterRetryLimit int     `yaml:"heater_retry_limit"` // HotEndSock jumps back to the nozzle heater at most this often per run
	PreheatBedTemp   float64 `yaml:"preheat_bed_temp"`
	MoveZUpMm        float64 `yaml:"move_z_up_mm"` // 0 keeps MoveZup a no-op
}

type MachineConfig struct {
	Profile string `yaml:"profile"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // "file" or "memory"
	Path    string `yaml:"path"`
}

type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
	MaxRows    int    `yaml:"max_rows"`
}

type FeedConfig struct {
	Listen string `yaml:"listen"`
}

// NotifyConfig enables a desktop notification when a run ends.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DaemonConfig struct {
	TickIntervalMs     int `yaml:"tick_interval_ms"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	DefaultLoopPeriodMs       = 50
	DefaultWaitDwellMs        = 2000
	DefaultHeaterRetryLimit   = 2
	DefaultPreheatBedTemp     = 35
	DefaultShutdownTimeoutSec = 30
	DefaultHistoryMaxRows     = 500
)

// WithDefaults returns a copy of cfg with zero values replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.Selftest.LoopPeriodMs <= 0 {
		cfg.Selftest.LoopPeriodMs = DefaultLoopPeriodMs
	}
	if cfg.Selftest.WaitDwellMs <= 0 {
		cfg.Selftest.WaitDwellMs = DefaultWaitDwellMs
	}
	if cfg.Selftest.HeaterRetryLimit < 0 {
		cfg.Selftest.HeaterRetryLimit = 0
	} else if cfg.Selftest.HeaterRetryLimit == 0 {
		cfg.Selftest.HeaterRetryLimit = DefaultHeaterRetryLimit
	}
	if cfg.Selftest.PreheatBedTemp <= 0 {
		cfg.Selftest.PreheatBedTemp = DefaultPreheatBedTemp
	}
	if cfg.Machine.Profile == "" {
		cfg.Machine.Profile = "printer.hcl"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "results.yaml"
	}
	if cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = "history.db"
	}
	if cfg.History.MaxRows <= 0 {
		cfg.History.MaxRows = DefaultHistoryMaxRows
	}
	if cfg.Daemon.TickIntervalMs <= 0 {
		cfg.Daemon.TickIntervalMs = cfg.Selftest.LoopPeriodMs
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

// LoadConfig reads the yaml config at path and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}
