package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrInvalidDriver       = errors.New("database driver must be sqlite or postgres")
	ErrInvalidConcurrency  = errors.New("max concurrency must be at least 1")
	ErrInvalidTickInterval = errors.New("tick interval must be positive")
	ErrInvalidTimeout      = errors.New("http timeout must be positive")
	ErrInvalidMaxBodyBytes = errors.New("max body bytes must be positive")
)

// Config holds the application's configuration values.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string
	DBMaxConns     int
	TickInterval   time.Duration
	MaxConcurrency int
	QueueSize      int
	HTTPTimeout    time.Duration
	MaxBodyBytes   int64
	UserAgent      string
	ShutdownGrace  time.Duration
	HTTPPort       string
	LogLevel       string
	LogFormat      string
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"log-format": "log_format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_url", "sitewatch.db")
	v.SetDefault("db_max_conns", 5)
	v.SetDefault("tick_interval", time.Second)
	v.SetDefault("max_concurrency", 8)
	v.SetDefault("queue_size", 0)
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("max_body_bytes", 5*1024*1024)
	v.SetDefault("user_agent", "sitewatch/1.0")
	v.SetDefault("shutdown_grace", 10*time.Second)
	v.SetDefault("http_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from defaults, the optional YAML file and the
// environment, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	return LoadWithFlags(configFile, nil)
}

// LoadWithFlags is Load with command-line flags taking precedence over
// everything else. Only flags that were set explicitly override.
func LoadWithFlags(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		DatabaseDriver: strings.ToLower(v.GetString("database_driver")),
		DatabaseURL:    v.GetString("database_url"),
		DBMaxConns:     v.GetInt("db_max_conns"),
		TickInterval:   v.GetDuration("tick_interval"),
		MaxConcurrency: v.GetInt("max_concurrency"),
		QueueSize:      v.GetInt("queue_size"),
		HTTPTimeout:    v.GetDuration("http_timeout"),
		MaxBodyBytes:   v.GetInt64("max_body_bytes"),
		UserAgent:      v.GetString("user_agent"),
		ShutdownGrace:  v.GetDuration("shutdown_grace"),
		HTTPPort:       v.GetString("http_port"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxConcurrency * 2
	}
	if cfg.DBMaxConns <= 0 {
		cfg.DBMaxConns = 5
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDriver, c.DatabaseDriver)
	}
	if c.MaxConcurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}
	if c.HTTPTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxBodyBytes <= 0 {
		return ErrInvalidMaxBodyBytes
	}
	return nil
}
