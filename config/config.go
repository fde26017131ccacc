// Package config loads the service configuration from the environment,
// optionally seeded by a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppEnv string
	Server ServerConfig
	Log    LogConfig
	DB     DatabaseConfig
	Ledger LedgerConfig
	Sweep  SweepConfig
	Cache  CacheConfig
}

type ServerConfig struct {
	Port        int
	CORSOrigins []string
}

type LogConfig struct {
	Level  string
	Format string // json | console
}

type DatabaseConfig struct {
	Driver   string // memory | sqlite | mysql
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

type LedgerConfig struct {
	LockTimeout       time.Duration
	RecordMaxAttempts int
}

type SweepConfig struct {
	Enabled     bool
	Interval    time.Duration
	Concurrency int
}

type CacheConfig struct {
	Driver        string // none | memory | redis
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func defaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PATH", "./points.db")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_USER", "")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "points")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("RECORD_MAX_ATTEMPTS", 3)
	v.SetDefault("SWEEP_ENABLED", true)
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("SWEEP_CONCURRENCY", 8)
	v.SetDefault("CACHE_DRIVER", "none")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
}

// Load reads the given .env files (default ".env"), then the process
// environment, which wins. Missing .env files are not an error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		AppEnv: v.GetString("APP_ENV"),
		Server: ServerConfig{
			Port:        v.GetInt("SERVER_PORT"),
			CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
		DB: DatabaseConfig{
			Driver:   strings.ToLower(v.GetString("DB_DRIVER")),
			Path:     v.GetString("DB_PATH"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
		},
		Ledger: LedgerConfig{
			LockTimeout:       v.GetDuration("LOCK_TIMEOUT"),
			RecordMaxAttempts: v.GetInt("RECORD_MAX_ATTEMPTS"),
		},
		Sweep: SweepConfig{
			Enabled:     v.GetBool("SWEEP_ENABLED"),
			Interval:    v.GetDuration("SWEEP_INTERVAL"),
			Concurrency: v.GetInt("SWEEP_CONCURRENCY"),
		},
		Cache: CacheConfig{
			Driver:        strings.ToLower(v.GetString("CACHE_DRIVER")),
			TTL:           v.GetDuration("CACHE_TTL"),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
		if cfg.IsDevelopment() {
			cfg.Log.Format = "console"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	case c.Log.Format != "json" && c.Log.Format != "console":
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Log.Format)
	case c.Ledger.LockTimeout <= 0:
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	case c.Ledger.RecordMaxAttempts < 1:
		return fmt.Errorf("RECORD_MAX_ATTEMPTS must be at least 1")
	case c.Sweep.Enabled && c.Sweep.Interval <= 0:
		return fmt.Errorf("SWEEP_INTERVAL must be positive when the sweep is enabled")
	case c.Sweep.Concurrency < 1:
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}

	switch c.DB.Driver {
	case "memory":
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case "mysql":
		if c.DB.Host == "" || c.DB.Name == "" || c.DB.User == "" {
			return fmt.Errorf("DB_HOST, DB_NAME and DB_USER are required for the mysql driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be memory, sqlite or mysql, got %q", c.DB.Driver)
	}

	switch c.Cache.Driver {
	case "none":
	case "memory":
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("CACHE_TTL must be positive")
		}
	case "redis":
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("CACHE_TTL must be positive")
		}
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis cache")
		}
	default:
		return fmt.Errorf("CACHE_DRIVER must be none, memory or redis, got %q", c.Cache.Driver)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
