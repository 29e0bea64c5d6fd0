// Package config assembles runtime configuration from defaults, an optional
// YAML file, .env files and BUSSTREAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"busstream/pkg/backoff"
	"busstream/pkg/stream"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BUSSTREAM_"

const DefaultMaxReauthAttempts = 3

type Config struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	BusIDs            []string      `yaml:"bus_ids" validate:"required,min=1,unique,dive,required"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" validate:"gte=0"`
	DryRun            bool          `yaml:"dry_run"`
	MaxReauthAttempts int           `yaml:"max_reauth_attempts" validate:"gte=0"`

	Backoff BackoffConfig `yaml:"backoff"`
	Auth    AuthConfig    `yaml:"auth"`
	Loki    LokiConfig    `yaml:"loki"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
}

type BackoffConfig struct {
	Strategy   string        `yaml:"strategy" validate:"omitempty,oneof=fixed exponential"`
	Delay      time.Duration `yaml:"delay" validate:"gte=0"`
	MaxDelay   time.Duration `yaml:"max_delay" validate:"gte=0"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=0"`
	Jitter     float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	MaxRetries uint64        `yaml:"max_retries"`
}

type AuthConfig struct {
	Token    string `yaml:"token"`
	Email    string `yaml:"email" validate:"omitempty,email"`
	Password string `yaml:"password" validate:"required_with=Email"`
}

type LokiConfig struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string        `yaml:"password"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

func Default() *Config {
	return &Config{
		HeartbeatTimeout:  stream.DefaultHeartbeatTimeout,
		MaxReauthAttempts: DefaultMaxReauthAttempts,
		Backoff: BackoffConfig{
			Strategy:   backoff.StrategyFixed,
			Delay:      backoff.DefaultDelay,
			MaxDelay:   backoff.DefaultMaxDelay,
			Multiplier: backoff.DefaultMultiplier,
			Jitter:     backoff.DefaultJitter,
		},
	}
}

// LoadDotEnv loads the given .env files (".env" if none) without overriding
// variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load applies the YAML file at path (skipped when empty) and then the
// environment on top of the defaults. The result is not validated yet so
// callers can still apply flags.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(envPrefix + key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, v, err)
		}
		*dst = d
		return nil
	}

	str("BASE_URL", &c.BaseURL)
	if v := getenv(envPrefix + "BUS_IDS"); v != "" {
		c.BusIDs = ParseList(v)
	}
	str("BACKOFF", &c.Backoff.Strategy)
	str("TOKEN", &c.Auth.Token)
	str("AUTH_EMAIL", &c.Auth.Email)
	str("AUTH_PASSWORD", &c.Auth.Password)
	str("LOKI_URL", &c.Loki.URL)
	str("LOKI_USER", &c.Loki.User)
	str("LOKI_PASSWORD", &c.Loki.Password)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("NATS_URL", &c.NATS.URL)

	for key, dst := range map[string]*time.Duration{
		"HEARTBEAT_TIMEOUT": &c.HeartbeatTimeout,
		"RECONNECT_DELAY":   &c.Backoff.Delay,
		"BACKOFF_MAX":       &c.Backoff.MaxDelay,
		"REDIS_TTL":         &c.Redis.TTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v := getenv(envPrefix + "MAX_REAUTH_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_REAUTH_ATTEMPTS %q: %w", envPrefix, v, err)
		}
		c.MaxReauthAttempts = n
	}
	if v := getenv(envPrefix + "DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDRY_RUN %q: %w", envPrefix, v, err)
		}
		c.DryRun = b
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// BackoffPolicy builds the reconnect policy described by the backoff section.
func (c *Config) BackoffPolicy() (backoff.Policy, error) {
	return backoff.FromConfig(backoff.Config{
		Strategy:   c.Backoff.Strategy,
		Delay:      c.Backoff.Delay,
		MaxDelay:   c.Backoff.MaxDelay,
		Multiplier: c.Backoff.Multiplier,
		Jitter:     c.Backoff.Jitter,
		MaxRetries: c.Backoff.MaxRetries,
	})
}

// ParseList splits a comma separated list, dropping blanks
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
