// Package config loads cmd/oceand's daemon configuration from
// ~/.ocean/config.yaml, with environment variables overriding whatever the
// file sets. Nothing under internal/ reads this package directly — it is
// wired once, in cmd/oceand's main, into ocean.Options and the poke ticker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds everything cmd/oceand needs to open a substrate, serve its
// HTTP poke surface, and run the background poke ticker.
type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath is the SQLite file backing the substrate. Relative to HomeDir
	// when not absolute.
	DBPath string `yaml:"db_path"`

	// BindAddr is the HTTP poke surface's listen address.
	BindAddr string `yaml:"bind_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// InstanceID identifies this process's lock ownership in the runs
	// table. Left empty, Ocean mints a fresh one at Open.
	InstanceID string `yaml:"instance_id"`

	// LockMs is how long a single advance() holds its run's lock.
	LockMs int64 `yaml:"lock_ms"`

	// MaxPeerDepth bounds recursive ocean.clog.call chains.
	MaxPeerDepth int `yaml:"max_peer_depth"`

	// PokeIntervalMs is the background ticker's cadence. The ticker stands
	// in for an external poke source (cron, webhook) in deployments that
	// have none.
	PokeIntervalMs int64 `yaml:"poke_interval_ms"`

	// PokeCronExpr, if set, overrides PokeIntervalMs with a standard
	// five-field cron expression ("*/5 * * * *"), so pokes land on a
	// schedule instead of a fixed cadence.
	PokeCronExpr string `yaml:"poke_cron_expr"`

	// EventTTLMs is the event-log retention in milliseconds. It is loaded
	// and defaulted here, but cmd/oceand does not pass it anywhere and
	// runs no event-log sweep of its own.
	EventTTLMs int64 `yaml:"event_ttl_ms"`

	// GCMinIntervalMs is the minimum gap in milliseconds between event-log
	// sweeps. Like EventTTLMs it is loaded but not used by cmd/oceand.
	GCMinIntervalMs int64 `yaml:"gc_min_interval_ms"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:17640",
		LogLevel:        "info",
		DBPath:          "ocean.db",
		LockMs:          30_000,
		MaxPeerDepth:    8,
		PokeIntervalMs:  60_000,
		EventTTLMs:      7 * 24 * 60 * 60 * 1000,
		GCMinIntervalMs: 60_000,
	}
}

// HomeDir returns the daemon's state directory: $OCEAN_HOME if set,
// otherwise ~/.ocean.
func HomeDir() string {
	if override := os.Getenv("OCEAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ocean")
}

// Load reads config.yaml from HomeDir (if present), applies environment
// overrides, fills in defaults, and resolves DBPath against HomeDir.
func Load() (Config, error) {
	return loadFrom(HomeDir())
}

// loadFrom is Load with the state directory given explicitly.
func loadFrom(home string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = home

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ocean home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:17640"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "ocean.db"
	}
	if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	if cfg.LockMs <= 0 {
		cfg.LockMs = 30_000
	}
	if cfg.MaxPeerDepth <= 0 {
		cfg.MaxPeerDepth = 8
	}
	if cfg.PokeIntervalMs <= 0 {
		cfg.PokeIntervalMs = 60_000
	}
	if cfg.GCMinIntervalMs <= 0 {
		cfg.GCMinIntervalMs = 60_000
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OCEAN_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("OCEAN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("OCEAN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OCEAN_INSTANCE_ID"); raw != "" {
		cfg.InstanceID = raw
	}
	if raw := os.Getenv("OCEAN_LOCK_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.LockMs = v
		}
	}
	if raw := os.Getenv("OCEAN_MAX_PEER_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxPeerDepth = v
		}
	}
	if raw := os.Getenv("OCEAN_POKE_INTERVAL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.PokeIntervalMs = v
		}
	}
	if raw := os.Getenv("OCEAN_POKE_CRON_EXPR"); raw != "" {
		cfg.PokeCronExpr = raw
	}
	if raw := os.Getenv("OCEAN_EVENT_TTL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.EventTTLMs = v
		}
	}
	if raw := os.Getenv("OCEAN_GC_MIN_INTERVAL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.GCMinIntervalMs = v
		}
	}
}
