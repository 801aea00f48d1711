package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "sitewatch.db", cfg.DatabaseURL)
	assert.Equal(t, 5, cfg.DBMaxConns)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 16, cfg.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, int64(5*1024*1024), cfg.MaxBodyBytes)
	assert.Equal(t, "sitewatch/1.0", cfg.UserAgent)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/sitewatch")
	t.Setenv("TICK_INTERVAL", "250ms")
	t.Setenv("MAX_CONCURRENCY", "3")
	t.Setenv("HTTP_TIMEOUT", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "postgres://localhost/sitewatch", cfg.DatabaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, 6, cfg.QueueSize)
	assert.Equal(t, 2*time.Second, cfg.HTTPTimeout)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: from-file.db
http_port: "9090"
max_concurrency: 2
log_format: json
`), 0o600))
	t.Setenv("HTTP_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file.db", cfg.DatabaseURL)
	assert.Equal(t, "7070", cfg.HTTPPort)
	assert.Equal(t, 2, cfg.MaxConcurrency)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadWithFlags(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("log-format", "text", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := LoadWithFlags("", flags)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DatabaseDriver: "sqlite",
			MaxConcurrency: 1,
			TickInterval:   time.Second,
			HTTPTimeout:    time.Second,
			MaxBodyBytes:   1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"driver", func(c *Config) { c.DatabaseDriver = "mysql" }, ErrInvalidDriver},
		{"concurrency", func(c *Config) { c.MaxConcurrency = 0 }, ErrInvalidConcurrency},
		{"tick", func(c *Config) { c.TickInterval = 0 }, ErrInvalidTickInterval},
		{"timeout", func(c *Config) { c.HTTPTimeout = -time.Second }, ErrInvalidTimeout},
		{"body", func(c *Config) { c.MaxBodyBytes = 0 }, ErrInvalidMaxBodyBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("MAX_CONCURRENCY", "0")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConcurrency)
}
