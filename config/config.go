// Package config loads the governance layer's configuration from a YAML
// file with environment variable overrides. Environment values take
// precedence over the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridpulse/gridgate/keypool"
	"github.com/gridpulse/gridgate/utils/env"
)

// Config is the parsed, validated configuration.
type Config struct {
	// Upstream credentials, in rotation order.
	Credentials []string

	// Credential selection strategy: round_robin, random, or least_used.
	Strategy string

	CacheTTL      time.Duration
	QueueInterval time.Duration
	QueueTimeout  time.Duration
	QueueCapacity int
	MaxRetries    int
	BackoffBase   time.Duration
	ShortCooldown time.Duration
	LongCooldown  time.Duration

	UpstreamBaseURL string
	Port            int

	// Valkey endpoint for cross-process queue pacing. Empty means the
	// pacing interval is enforced locally.
	ValkeyEndpoint string

	MetricsEnabled bool
}

// fileConfig mirrors the YAML document. Durations are strings so operators
// can write "5m" or "2.5s".
type fileConfig struct {
	Credentials     []string `yaml:"credentials"`
	Strategy        string   `yaml:"strategy"`
	CacheTTL        string   `yaml:"cache_ttl"`
	QueueInterval   string   `yaml:"queue_interval"`
	QueueTimeout    string   `yaml:"queue_timeout"`
	QueueCapacity   int      `yaml:"queue_capacity"`
	MaxRetries      int      `yaml:"max_retries"`
	BackoffBase     string   `yaml:"backoff_base"`
	ShortCooldown   string   `yaml:"short_cooldown"`
	LongCooldown    string   `yaml:"long_cooldown"`
	UpstreamBaseURL string   `yaml:"upstream_base_url"`
	Port            int      `yaml:"port"`
	ValkeyEndpoint  string   `yaml:"valkey_endpoint"`
	MetricsEnabled  *bool    `yaml:"metrics_enabled"`
}

// Load reads path (skipped when empty), applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	// Setting default values.
	raw := fileConfig{
		Strategy:        string(keypool.StrategyRoundRobin),
		CacheTTL:        "5m",
		QueueInterval:   "2s",
		QueueTimeout:    "60s",
		QueueCapacity:   256,
		MaxRetries:      3,
		BackoffBase:     "2s",
		ShortCooldown:   "3s",
		LongCooldown:    "5m",
		UpstreamBaseURL: "https://api.gridstatus.io/v1/datasets",
		Port:            8080,
	}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %v", err)
		}
		defer file.Close()

		if err := yaml.NewDecoder(file).Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	// Environment variables precede the values from the YAML file.
	if keys := env.OptionalStringVariable("GRIDGATE_API_KEYS", ""); keys != "" {
		raw.Credentials = splitKeys(keys)
	}
	raw.Strategy = env.OptionalStringVariable("GRIDGATE_STRATEGY", raw.Strategy)
	raw.CacheTTL = env.OptionalStringVariable("GRIDGATE_CACHE_TTL", raw.CacheTTL)
	raw.QueueInterval = env.OptionalStringVariable("GRIDGATE_QUEUE_INTERVAL", raw.QueueInterval)
	raw.QueueTimeout = env.OptionalStringVariable("GRIDGATE_QUEUE_TIMEOUT", raw.QueueTimeout)
	raw.QueueCapacity = env.OptionalIntVariable("GRIDGATE_QUEUE_CAPACITY", raw.QueueCapacity)
	raw.MaxRetries = env.OptionalIntVariable("GRIDGATE_MAX_RETRIES", raw.MaxRetries)
	raw.UpstreamBaseURL = env.OptionalStringVariable("GRIDGATE_UPSTREAM_BASE_URL", raw.UpstreamBaseURL)
	raw.Port = env.OptionalIntVariable("PORT", raw.Port)
	raw.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", raw.ValkeyEndpoint)

	metricsEnabled := true
	if raw.MetricsEnabled != nil {
		metricsEnabled = *raw.MetricsEnabled
	}
	metricsEnabled = env.OptionalBoolVariable("GRIDGATE_METRICS_ENABLED", metricsEnabled)

	config := &Config{
		Credentials:     raw.Credentials,
		Strategy:        raw.Strategy,
		QueueCapacity:   raw.QueueCapacity,
		MaxRetries:      raw.MaxRetries,
		UpstreamBaseURL: raw.UpstreamBaseURL,
		Port:            raw.Port,
		ValkeyEndpoint:  raw.ValkeyEndpoint,
		MetricsEnabled:  metricsEnabled,
	}

	durations := []struct {
		name  string
		value string
		out   *time.Duration
	}{
		{"cache_ttl", raw.CacheTTL, &config.CacheTTL},
		{"queue_interval", raw.QueueInterval, &config.QueueInterval},
		{"queue_timeout", raw.QueueTimeout, &config.QueueTimeout},
		{"backoff_base", raw.BackoffBase, &config.BackoffBase},
		{"short_cooldown", raw.ShortCooldown, &config.ShortCooldown},
		{"long_cooldown", raw.LongCooldown, &config.LongCooldown},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %v", d.name, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.name)
		}
		*d.out = parsed
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("no upstream credentials configured; set credentials in the config file or GRIDGATE_API_KEYS")
	}
	if _, err := keypool.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	return nil
}

func splitKeys(value string) []string {
	var keys []string
	for _, key := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
