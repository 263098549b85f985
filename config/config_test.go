package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultIsValidOnceServerURLSet(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "https://api.example.com"
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://api.example.com"
component = "desktop-client"
max_retries = 7
base_delay = "250ms"
reset_timeout = "2m"
jitter_factor = 0.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.ServerURL)
	assert.Equal(t, "desktop-client", cfg.Component)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 2*time.Minute, cfg.ResetTimeout)
	assert.Equal(t, 0.5, cfg.JitterFactor)

	// Keys absent from the file keep defaults.
	assert.Equal(t, Default().MaxDelay, cfg.MaxDelay)
	assert.Equal(t, Default().FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, Default().QueueMaxDepth, cfg.QueueMaxDepth)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://api.example.com"
base_delay = "not-a-duration"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.ServerURL = "https://api.example.com"

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server url", func(c *Config) { c.ServerURL = "" }},
		{"malformed server url", func(c *Config) { c.ServerURL = "not a url" }},
		{"missing component", func(c *Config) { c.Component = "" }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero base delay", func(c *Config) { c.BaseDelay = 0 }},
		{"base exceeds max delay", func(c *Config) { c.BaseDelay = time.Minute; c.MaxDelay = time.Second }},
		{"multiplier below one", func(c *Config) { c.BackoffMultiplier = 0.5 }},
		{"jitter above one", func(c *Config) { c.JitterFactor = 1.5 }},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"zero reset timeout", func(c *Config) { c.ResetTimeout = 0 }},
		{"zero queue retries", func(c *Config) { c.QueueMaxRetries = 0 }},
		{"zero drain interval", func(c *Config) { c.QueueDrainEvery = 0 }},
		{"zero queue depth", func(c *Config) { c.QueueMaxDepth = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
