// Package config loads the server configuration from a YAML file, with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridianex/exchange/internal/models"
)

// Config holds all application settings.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Driver      string `yaml:"driver"` // "postgres" or "memory"
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"storage"`

	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		TokenTTLHours int    `yaml:"token_ttl_hours"`
	} `yaml:"auth"`

	Engine struct {
		IntervalMS    int      `yaml:"interval_ms"`
		MatchOnSubmit bool     `yaml:"match_on_submit"`
		DepthLevels   int      `yaml:"depth_levels"`
		Pairs         []string `yaml:"pairs"`
	} `yaml:"engine"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Load reads and validates the configuration at path. Secrets can be
// overridden via EXCHANGE_DATABASE_URL and EXCHANGE_JWT_SECRET.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a config with sane defaults; Load overlays the file on top.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Storage.Driver = "memory"
	cfg.Auth.TokenTTLHours = 24
	cfg.Engine.IntervalMS = 500
	cfg.Engine.MatchOnSubmit = true
	cfg.Engine.DepthLevels = 20
	cfg.Engine.Pairs = []string{"BTC/USDT"}
	cfg.Logging.Level = "info"
	return cfg
}

func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("EXCHANGE_DATABASE_URL"); url != "" {
		cfg.Storage.DatabaseURL = url
	}
	if secret := os.Getenv("EXCHANGE_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.Engine.IntervalMS <= 0 {
		return fmt.Errorf("engine interval must be positive")
	}
	if len(c.Engine.Pairs) == 0 {
		return fmt.Errorf("at least one trading pair is required")
	}
	for _, sym := range c.Engine.Pairs {
		if _, err := models.ParsePair(sym); err != nil {
			return err
		}
	}
	return nil
}

// Pairs returns the configured trading pairs, parsed.
func (c *Config) Pairs() []models.Pair {
	out := make([]models.Pair, 0, len(c.Engine.Pairs))
	for _, sym := range c.Engine.Pairs {
		p, err := models.ParsePair(sym)
		if err != nil {
			continue // Validate already rejected malformed symbols
		}
		out = append(out, p)
	}
	return out
}

// Interval returns the scheduler sweep interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Engine.IntervalMS) * time.Millisecond
}

// TokenTTL returns the JWT lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}
