package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	Engine      EngineConfig      `toml:"engine"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Observer    ObserverConfig    `toml:"observer"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `toml:"driver"`
	// URI is the postgres connection string. Ignored for sqlite.
	URI string `toml:"uri"`
	// Path is the sqlite file path. Ignored for postgres.
	Path string `toml:"path"`
}

type RedisConfig struct {
	// Addr enables the Redis-backed named locker when non-empty.
	// Empty means process-local locks only.
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type EngineConfig struct {
	MaxWorkers int `toml:"max_workers"`
	// Testing runs processes inline on the calling goroutine.
	Testing bool `toml:"testing"`
	// TaskLogRetentionDays bounds how long completed task processes are
	// kept before cleanup removes them.
	TaskLogRetentionDays int `toml:"task_log_retention_days"`
	// ResetRetriesAfterSuccess controls whether a failure after an
	// intervening success starts a fresh retry count.
	ResetRetriesAfterSuccess bool `toml:"reset_retries_after_success"`
	// CommitHash is stamped onto step rows for debugging; usually set
	// at build time rather than in the file.
	CommitHash string `toml:"commit_hash"`
}

type MaintenanceConfig struct {
	ResumeWaitingSchedule string `toml:"resume_waiting_schedule"`
	CleanupSchedule       string `toml:"cleanup_schedule"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "stroom.db"},
		Engine: EngineConfig{
			MaxWorkers:               10,
			TaskLogRetentionDays:     30,
			ResetRetriesAfterSuccess: true,
		},
		Maintenance: MaintenanceConfig{
			ResumeWaitingSchedule: "@every 1m",
			CleanupSchedule:       "@daily",
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "stroom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("STROOM_DATABASE_URI"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URI = v
	}
	if v := os.Getenv("STROOM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("STROOM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("STROOM_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxWorkers = n
		}
	}
	if v := os.Getenv("STROOM_COMMIT_HASH"); v != "" {
		cfg.Engine.CommitHash = v
	}
	if os.Getenv("STROOM_OBSERVER_ENABLED") == "true" || os.Getenv("STROOM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
