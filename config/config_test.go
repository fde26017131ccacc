package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/config"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(noEnvFile(t))

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, 5*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 3, cfg.Ledger.RecordMaxAttempts)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, 8, cfg.Sweep.Concurrency)
	assert.Equal(t, "none", cfg.Cache.Driver)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "console", cfg.Log.Format, "development defaults to console output")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_USER", "points")
	t.Setenv("LOCK_TIMEOUT", "750ms")
	t.Setenv("CACHE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load(noEnvFile(t))

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.DB.Driver)
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 750*time.Millisecond, cfg.Ledger.LockTimeout)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	if _, set := os.LookupEnv("SWEEP_CONCURRENCY"); set {
		t.Skip("SWEEP_CONCURRENCY already set in the environment")
	}
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SWEEP_CONCURRENCY=3\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SWEEP_CONCURRENCY") })

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sweep.Concurrency)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "postgres"}, "DB_DRIVER"},
		{"mysql without user", map[string]string{"DB_DRIVER": "mysql"}, "DB_USER"},
		{"bad port", map[string]string{"SERVER_PORT": "70000"}, "SERVER_PORT"},
		{"zero lock timeout", map[string]string{"LOCK_TIMEOUT": "0s"}, "LOCK_TIMEOUT"},
		{"unknown cache", map[string]string{"CACHE_DRIVER": "memcached"}, "CACHE_DRIVER"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"no sweep workers", map[string]string{"SWEEP_CONCURRENCY": "0"}, "SWEEP_CONCURRENCY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := config.Load(noEnvFile(t))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
