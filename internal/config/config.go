// Package config loads the agent configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/initforge/u.i-conhon-sub001/internal/cart"
)

// DefaultPath is used when no path is given.
const DefaultPath = "configs/config.yaml"

// Config is the agent configuration loaded from YAML.
type Config struct {
	Backend struct {
		BaseURL         string  `yaml:"base_url" validate:"required,url"`
		APIKey          string  `yaml:"api_key"`
		TimeoutSeconds  int     `yaml:"timeout_seconds" validate:"gte=0"`
		CacheTTLSeconds int     `yaml:"cache_ttl_seconds" validate:"gte=0"`
		RatePerSec      float64 `yaml:"rate_per_sec" validate:"gte=0"`
		Burst           int     `yaml:"burst" validate:"gte=0"`
	} `yaml:"backend"`

	Push struct {
		URL                    string `yaml:"url" validate:"required,url"`
		ReconnectWaitMs        int    `yaml:"reconnect_wait_ms" validate:"gte=0"`
		MaxReconnectWaitMs     int    `yaml:"max_reconnect_wait_ms" validate:"gte=0"`
		MaxConsecutiveFailures int    `yaml:"max_consecutive_failures" validate:"gte=0"`
	} `yaml:"push"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db" validate:"gte=0"`
	} `yaml:"redis"`

	Engine struct {
		StatusIntervalMs       int    `yaml:"status_interval_ms" validate:"gte=0"`
		CountdownIntervalMs    int    `yaml:"countdown_interval_ms" validate:"gte=0"`
		CapacityPollIntervalMs int    `yaml:"capacity_poll_interval_ms" validate:"gte=0"`
		AmountStep             int64  `yaml:"amount_step" validate:"gte=0"`
		AmountMin              int64  `yaml:"amount_min" validate:"gte=0"`
		Timezone               string `yaml:"timezone"`
	} `yaml:"engine"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port" validate:"gte=0,lte=65535"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port" validate:"gte=0,lte=65535"`
	} `yaml:"monitoring"`

	API struct {
		Enabled    bool    `yaml:"enabled"`
		Port       int     `yaml:"port" validate:"gte=0,lte=65535"`
		APIKey     string  `yaml:"api_key"`
		RatePerSec float64 `yaml:"rate_per_sec" validate:"gte=0"`
		Burst      int     `yaml:"burst" validate:"gte=0"`
	} `yaml:"api"`

	Log struct {
		Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	} `yaml:"log"`
}

// Load reads path (DefaultPath when empty), expands ${ENV_VAR} placeholders
// and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, amount rules and the timezone.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.AmountRules().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BackendTimeout bounds each backend HTTP call.
func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// CacheTTL is how long switch and pool config reads stay cached.
func (c *Config) CacheTTL() time.Duration {
	if c.Backend.CacheTTLSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Backend.CacheTTLSeconds) * time.Second
}

// ReconnectWait is the first delay before redialing the push channel.
func (c *Config) ReconnectWait() time.Duration {
	if c.Push.ReconnectWaitMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Push.ReconnectWaitMs) * time.Millisecond
}

// MaxReconnectWait caps the push channel backoff.
func (c *Config) MaxReconnectWait() time.Duration {
	if c.Push.MaxReconnectWaitMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Push.MaxReconnectWaitMs) * time.Millisecond
}

// MaxConsecutiveFailures is how many failed dials end an outage window.
func (c *Config) MaxConsecutiveFailures() int {
	if c.Push.MaxConsecutiveFailures <= 0 {
		return 10
	}
	return c.Push.MaxConsecutiveFailures
}

// StatusInterval is how often the selected pool's window is re-resolved.
func (c *Config) StatusInterval() time.Duration {
	if c.Engine.StatusIntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Engine.StatusIntervalMs) * time.Millisecond
}

// CountdownInterval is how often the countdown display refreshes.
func (c *Config) CountdownInterval() time.Duration {
	if c.Engine.CountdownIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Engine.CountdownIntervalMs) * time.Millisecond
}

// CapacityPollInterval is how often sold-out and banned items are refreshed.
func (c *Config) CapacityPollInterval() time.Duration {
	if c.Engine.CapacityPollIntervalMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Engine.CapacityPollIntervalMs) * time.Millisecond
}

// AmountRules returns the wager step rules, falling back to the defaults for
// unset fields. An unset minimum is the smallest multiple of the step at or
// above the default minimum.
func (c *Config) AmountRules() cart.Rules {
	r := cart.DefaultRules()
	if c.Engine.AmountStep > 0 {
		r.Step = c.Engine.AmountStep
	}
	if c.Engine.AmountMin > 0 {
		r.Min = c.Engine.AmountMin
	} else {
		r.Min = (cart.DefaultRules().Min + r.Step - 1) / r.Step * r.Step
	}
	return r
}

// Location returns the pool timezone. Draw times are wall-clock times in it.
func (c *Config) Location() (*time.Location, error) {
	if c.Engine.Timezone == "" {
		return time.LoadLocation("Asia/Ho_Chi_Minh")
	}
	return time.LoadLocation(c.Engine.Timezone)
}
