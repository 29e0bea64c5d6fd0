package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "fixed", cfg.Backoff.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Backoff.Delay)
	assert.Equal(t, DefaultMaxReauthAttempts, cfg.MaxReauthAttempts)
	assert.Empty(t, cfg.BusIDs)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "busstream.yml", `
base_url: https://fleet.example.com
bus_ids: ["55", "77"]
heartbeat_timeout: 30s
backoff:
  strategy: exponential
  delay: 500ms
  max_delay: 20s
  max_retries: 10
loki:
  url: http://loki:3100
redis:
  addr: localhost:6379
  ttl: 10m
`)

	cfg, err := Load(path, envMap(nil))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://fleet.example.com", cfg.BaseURL)
	assert.Equal(t, []string{"55", "77"}, cfg.BusIDs)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, "exponential", cfg.Backoff.Strategy)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.Delay)
	assert.Equal(t, uint64(10), cfg.Backoff.MaxRetries)
	// untouched defaults survive a partial section
	assert.Equal(t, 2.0, cfg.Backoff.Multiplier)
	assert.Equal(t, 10*time.Minute, cfg.Redis.TTL)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "busstream.yml", `
base_url: https://yaml.example.com
bus_ids: ["1"]
`)

	cfg, err := Load(path, envMap(map[string]string{
		"BUSSTREAM_BASE_URL":            "https://env.example.com",
		"BUSSTREAM_BUS_IDS":             " 55, ,77 ",
		"BUSSTREAM_RECONNECT_DELAY":     "5s",
		"BUSSTREAM_BACKOFF":             "exponential",
		"BUSSTREAM_TOKEN":               "dev-token",
		"BUSSTREAM_MAX_REAUTH_ATTEMPTS": "0",
		"BUSSTREAM_DRY_RUN":             "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.BaseURL)
	assert.Equal(t, []string{"55", "77"}, cfg.BusIDs)
	assert.Equal(t, 5*time.Second, cfg.Backoff.Delay)
	assert.Equal(t, "exponential", cfg.Backoff.Strategy)
	assert.Equal(t, "dev-token", cfg.Auth.Token)
	assert.Equal(t, 0, cfg.MaxReauthAttempts)
	assert.True(t, cfg.DryRun)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"), envMap(nil))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yml", "bus_ids: [unterminated"), envMap(nil))
	assert.Error(t, err)

	_, err = Load("", envMap(map[string]string{"BUSSTREAM_HEARTBEAT_TIMEOUT": "a minute"}))
	assert.ErrorContains(t, err, "BUSSTREAM_HEARTBEAT_TIMEOUT")

	_, err = Load("", envMap(map[string]string{"BUSSTREAM_DRY_RUN": "maybe"}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.BaseURL = "http://localhost:8080"
		cfg.BusIDs = []string{"55"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.BaseURL = "" }, wantErr: true},
		{name: "base url not a url", mutate: func(c *Config) { c.BaseURL = "fleet" }, wantErr: true},
		{name: "no bus ids", mutate: func(c *Config) { c.BusIDs = nil }, wantErr: true},
		{name: "blank bus id", mutate: func(c *Config) { c.BusIDs = []string{"55", ""} }, wantErr: true},
		{name: "duplicate bus ids", mutate: func(c *Config) { c.BusIDs = []string{"55", "77", "55"} }, wantErr: true},
		{name: "unknown strategy", mutate: func(c *Config) { c.Backoff.Strategy = "linear" }, wantErr: true},
		{name: "jitter above one", mutate: func(c *Config) { c.Backoff.Jitter = 1.5 }, wantErr: true},
		{name: "email without password", mutate: func(c *Config) { c.Auth.Email = "admin@example.com" }, wantErr: true},
		{name: "email with password", mutate: func(c *Config) {
			c.Auth.Email = "admin@example.com"
			c.Auth.Password = "secret"
		}},
		{name: "bad redis addr", mutate: func(c *Config) { c.Redis.Addr = "localhost" }, wantErr: true},
		{name: "negative reauth", mutate: func(c *Config) { c.MaxReauthAttempts = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackoffPolicy(t *testing.T) {
	cfg := Default()
	policy, err := cfg.BackoffPolicy()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, policy.NextBackOff())

	cfg.Backoff.Strategy = "exponential"
	cfg.Backoff.Jitter = 0
	policy, err = cfg.BackoffPolicy()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, policy.NextBackOff())
	assert.Equal(t, 4*time.Second, policy.NextBackOff())
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "BUSSTREAM_TEST_DOTENV=from-file\n")
	t.Setenv("BUSSTREAM_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BUSSTREAM_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	assert.Equal(t, "from-file", os.Getenv("BUSSTREAM_TEST_DOTENV"))
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseList("a, b,,"))
	assert.Nil(t, ParseList(" , "))
}
