// Package config loads and validates the client configuration from a
// TOML file, overlaying file values on built-in defaults.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries every tunable of the secure session layer.
type Config struct {
	// ServerURL is the base URL of the remote service.
	ServerURL string
	// Component identifies this client in handshake requests.
	Component string
	// DataDir is the directory for the encrypted keystore.
	DataDir string

	// RequestTimeout bounds every network round-trip.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the handshake round-trip.
	HandshakeTimeout time.Duration

	// TokenExpirySkew treats tokens expiring within this margin as
	// already expired, so a refresh starts before the hard deadline.
	TokenExpirySkew time.Duration

	// Retry schedule.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64

	// Circuit breaker.
	FailureThreshold int
	ResetTimeout     time.Duration

	// Offline queue.
	QueueMaxRetries int
	QueueDrainEvery time.Duration
	QueueMaxDepth   int
}

// fileConfig maps config.toml keys onto runtime settings.
type fileConfig struct {
	ServerURL        string  `toml:"server_url"`
	Component        string  `toml:"component"`
	DataDir          string  `toml:"data_dir"`
	RequestTimeout   string  `toml:"request_timeout"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	TokenExpirySkew  string  `toml:"token_expiry_skew"`
	MaxRetries       int     `toml:"max_retries"`
	BaseDelay        string  `toml:"base_delay"`
	MaxDelay         string  `toml:"max_delay"`
	Multiplier       float64 `toml:"backoff_multiplier"`
	JitterFactor     float64 `toml:"jitter_factor"`
	FailureThreshold int     `toml:"failure_threshold"`
	ResetTimeout     string  `toml:"reset_timeout"`
	QueueMaxRetries  int     `toml:"queue_max_retries"`
	QueueDrainEvery  string  `toml:"queue_drain_every"`
	QueueMaxDepth    int     `toml:"queue_max_depth"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Component:         "securelink-client",
		DataDir:           ".securelink",
		RequestTimeout:    15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		TokenExpirySkew:   30 * time.Second,
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
		FailureThreshold:  5,
		ResetTimeout:      60 * time.Second,
		QueueMaxRetries:   5,
		QueueDrainEvery:   30 * time.Second,
		QueueMaxDepth:     1000,
	}
}

// Load reads a TOML file and overlays it on the defaults. Keys absent
// from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("server_url") {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("component") {
		cfg.Component = strings.TrimSpace(raw.Component)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.BackoffMultiplier = raw.Multiplier
	}
	if meta.IsDefined("jitter_factor") {
		cfg.JitterFactor = raw.JitterFactor
	}
	if meta.IsDefined("failure_threshold") {
		cfg.FailureThreshold = raw.FailureThreshold
	}
	if meta.IsDefined("queue_max_retries") {
		cfg.QueueMaxRetries = raw.QueueMaxRetries
	}
	if meta.IsDefined("queue_max_depth") {
		cfg.QueueMaxDepth = raw.QueueMaxDepth
	}

	durations := []struct {
		key    string
		raw    string
		target *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"token_expiry_skew", raw.TokenExpirySkew, &cfg.TokenExpirySkew},
		{"base_delay", raw.BaseDelay, &cfg.BaseDelay},
		{"max_delay", raw.MaxDelay, &cfg.MaxDelay},
		{"reset_timeout", raw.ResetTimeout, &cfg.ResetTimeout},
		{"queue_drain_every", raw.QueueDrainEvery, &cfg.QueueDrainEvery},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load config: invalid %s: %w", d.key, err)
		}
		*d.target = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("config: server_url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: server_url %q is not a valid URL", c.ServerURL)
	}
	if strings.TrimSpace(c.Component) == "" {
		return fmt.Errorf("config: component is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative")
	}
	if c.BaseDelay <= 0 || c.MaxDelay <= 0 {
		return fmt.Errorf("config: base_delay and max_delay must be positive")
	}
	if c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("config: base_delay must not exceed max_delay")
	}
	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("config: backoff_multiplier must be at least 1.0")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("config: jitter_factor must be within [0, 1]")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("config: failure_threshold must be positive")
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("config: reset_timeout must be positive")
	}
	if c.QueueMaxRetries <= 0 {
		return fmt.Errorf("config: queue_max_retries must be positive")
	}
	if c.QueueDrainEvery <= 0 {
		return fmt.Errorf("config: queue_drain_every must be positive")
	}
	if c.QueueMaxDepth <= 0 {
		return fmt.Errorf("config: queue_max_depth must be positive")
	}
	return nil
}
