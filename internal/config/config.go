// Package config loads the daemon configuration from a TOML file with
// environment-variable overrides for deployment-sensitive values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration wraps time.Duration so TOML values can be written as "10m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config represents parleyd.toml.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DBPath     string `toml:"db_path"`
	LogPath    string `toml:"log_path"`
	RedisURL   string `toml:"redis_url"`
	JWTSecret  string `toml:"jwt_secret"`

	Presence PresenceConfig `toml:"presence"`
	Typing   TypingConfig   `toml:"typing"`
	Offline  OfflineConfig  `toml:"offline"`
	Limits   LimitsConfig   `toml:"limits"`
}

// PresenceConfig holds the presence timer durations.
type PresenceConfig struct {
	InactivityTimeout Duration `toml:"inactivity_timeout"`
	OfflineGrace      Duration `toml:"offline_grace"`
	RecordTTL         Duration `toml:"record_ttl"`
}

// TypingConfig holds the typing-indicator safety-net TTL.
type TypingConfig struct {
	TTL Duration `toml:"ttl"`
}

// OfflineConfig controls the offline-queue retention sweep. An empty period
// disables the sweep entirely.
type OfflineConfig struct {
	RetentionCron   string   `toml:"retention_cron"`
	RetentionPeriod Duration `toml:"retention_period"`
}

// LimitsConfig caps inbound events per session.
type LimitsConfig struct {
	EventsPerSecond float64 `toml:"events_per_second"`
	Burst           int     `toml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		DBPath:     "parley.db",
		LogPath:    "parley.log",
		Presence: PresenceConfig{
			InactivityTimeout: Duration{10 * time.Minute},
			OfflineGrace:      Duration{5 * time.Second},
			RecordTTL:         Duration{2 * time.Minute},
		},
		Typing: TypingConfig{
			TTL: Duration{10 * time.Second},
		},
		Offline: OfflineConfig{
			RetentionCron: "0 2 * * *",
		},
		Limits: LimitsConfig{
			EventsPerSecond: 20,
			Burst:           40,
		},
	}
}

// Load reads config from the given path, layered over defaults, then applies
// environment overrides. A missing config file is not an error; a missing
// .env file is ignored too (godotenv is best-effort).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}
	applyEnv(cfg)

	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret not configured (jwt_secret or PARLEY_JWT_SECRET)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PARLEY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PARLEY_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := os.Getenv("PARLEY_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PARLEY_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
}
