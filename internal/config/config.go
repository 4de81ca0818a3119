// Package config loads and validates the daemon configuration. Sources in
// priority order: environment variables > config file > defaults. The YAML
// decode is strict: unknown fields are rejected at load time so the engine
// can assume a fully-validated record.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/rule"
)

// Duration accepts YAML strings like "15m" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ChannelConfig declares one delivery channel.
type ChannelConfig struct {
	Type string `yaml:"type"` // telegram, slack, webhook

	// Telegram.
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`

	// Slack / webhook.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// AlertingConfig tunes the alert pipeline.
type AlertingConfig struct {
	// Cooldown between two deliveries for one (probe, rule) pair.
	Cooldown Duration `yaml:"cooldown"`
	// DedupTTL bounds dedup suppression; zero means permanent.
	DedupTTL Duration `yaml:"dedupTTL"`

	Channels []ChannelConfig `yaml:"channels"`
}

// PlatformConfig is one per-platform section.
type PlatformConfig struct {
	Platform string         `yaml:"platform"`
	Enabled  *bool          `yaml:"enabled"`
	Config   map[string]any `yaml:"config"`
}

// IsEnabled applies the enabled-by-default rule.
func (p PlatformConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// TracingConfig enables OTLP span export when an endpoint is set.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Config is the validated configuration record the engine consumes.
type Config struct {
	// DataDir holds the SQLite state database (default "/var/lib/watchtower").
	DataDir string `yaml:"dataDir"`
	// ListenAddr serves Prometheus metrics (default ":9290").
	ListenAddr string `yaml:"listenAddr"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"logLevel"`

	Tracing   TracingConfig      `yaml:"tracing"`
	Alerting  AlertingConfig     `yaml:"alerting"`
	Platforms []PlatformConfig   `yaml:"platforms"`
	Probes    []probe.Descriptor `yaml:"probes"`
}

// Default returns configuration with production defaults.
func Default() Config {
	return Config{
		DataDir:    "/var/lib/watchtower",
		ListenAddr: ":9290",
		LogLevel:   "info",
		Alerting: AlertingConfig{
			Cooldown: Duration(15 * time.Minute),
		},
	}
}

// Load reads configuration from a YAML file, overlays environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("WATCHTOWER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WATCHTOWER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("WATCHTOWER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WATCHTOWER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the record the way the engine expects it: probe ids
// unique and non-empty, intervals positive, rule kinds and operators from
// the closed sets.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Probes))
	for i, p := range c.Probes {
		if p.ID == "" {
			return fmt.Errorf("probes[%d]: id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate probe id %q", p.ID)
		}
		seen[p.ID] = struct{}{}

		if p.Platform == "" {
			return fmt.Errorf("probe %q: platform is required", p.ID)
		}
		if p.Type == "" {
			return fmt.Errorf("probe %q: type is required", p.ID)
		}
		if p.Schedule == "" && p.Interval <= 0 {
			return fmt.Errorf("probe %q: interval must be positive (or set schedule)", p.ID)
		}
		if p.TimeoutMs < 0 {
			return fmt.Errorf("probe %q: timeout must be positive", p.ID)
		}

		for j, r := range p.Rules {
			if r.ID == "" {
				return fmt.Errorf("probe %q: rules[%d]: id is required", p.ID, j)
			}
			if r.Fact == "" {
				return fmt.Errorf("probe %q: rule %q: fact is required", p.ID, r.ID)
			}
			switch r.Kind {
			case rule.KindThreshold:
				if !r.Operator.Valid() {
					return fmt.Errorf("probe %q: rule %q: invalid operator %q", p.ID, r.ID, r.Operator)
				}
			case rule.KindChange:
			default:
				return fmt.Errorf("probe %q: rule %q: unknown kind %q", p.ID, r.ID, r.Kind)
			}
			if r.Severity != "" && !r.Severity.Valid() {
				return fmt.Errorf("probe %q: rule %q: invalid severity %q", p.ID, r.ID, r.Severity)
			}
		}
	}

	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			if ch.BotToken == "" || ch.ChatID == "" {
				return fmt.Errorf("channels[%d]: telegram requires botToken and chatId", i)
			}
		case "slack", "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channels[%d]: %s requires url", i, ch.Type)
			}
		default:
			return fmt.Errorf("channels[%d]: unknown type %q", i, ch.Type)
		}
	}

	if c.Alerting.Cooldown < 0 || c.Alerting.DedupTTL < 0 {
		return fmt.Errorf("alerting durations must not be negative")
	}
	return nil
}
