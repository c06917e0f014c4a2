// Package config loads the process configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration. Paths left empty derive from
// DataDir so a single variable is enough for a default deployment.
type Config struct {
	DataDir      string        `env:"COLLOQ_DATA_DIR" envDefault:"./data"`
	PluginsDir   string        `env:"COLLOQ_PLUGINS_DIR"`
	DatabasePath string        `env:"COLLOQ_DB_PATH"`
	ObjectsDir   string        `env:"COLLOQ_OBJECTS_DIR"`
	BaseURL      string        `env:"COLLOQ_BASE_URL" envDefault:"http://localhost:8080"`
	SecretKey    string        `env:"COLLOQ_SECRET_KEY"` // hex-encoded 32 bytes
	Workers      int           `env:"COLLOQ_WORKERS" envDefault:"1"`
	PollInterval time.Duration `env:"COLLOQ_POLL_INTERVAL" envDefault:"10s"`
	BatchSize    int           `env:"COLLOQ_BATCH_SIZE" envDefault:"10"`
	LogLevel     string        `env:"COLLOQ_LOG_LEVEL" envDefault:"info"`
	LogFormat    string        `env:"COLLOQ_LOG_FORMAT" envDefault:"text"` // text or json
}

// Load reads configuration from the environment and fills derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if c.PluginsDir == "" {
		c.PluginsDir = filepath.Join(c.DataDir, "plugins")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "colloq.db")
	}
	if c.ObjectsDir == "" {
		c.ObjectsDir = filepath.Join(c.DataDir, "objects")
	}
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("config: COLLOQ_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: COLLOQ_BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.SecretKey != "" {
		if _, err := c.SecretKeyBytes(); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: COLLOQ_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// SecretKeyBytes decodes the config-encryption key. Returns nil when no key
// is configured; plugins with password-format config fields then fail to
// register.
func (c Config) SecretKeyBytes() ([]byte, error) {
	if c.SecretKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("config: COLLOQ_SECRET_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: COLLOQ_SECRET_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogLevel maps the configured level name onto slog's levels. Unknown
// names fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
