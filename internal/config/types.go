package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to allow YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("duration must be a string, got %s", value.ShortTag())
	}
}

// NullableDuration allows distinguishing between zero and unset durations.
type NullableDuration struct {
	Duration time.Duration
	Set      bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *NullableDuration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && strings.TrimSpace(value.Value) == "" {
		d.Set = false
		return nil
	}
	var tmp Duration
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	d.Duration = tmp.Duration
	d.Set = true
	return nil
}

// Config is the root configuration.
type Config struct {
	Version        int                   `yaml:"version"`
	LogLevel       string                `yaml:"log_level"`
	Service        ServiceConfig         `yaml:"service"`
	Storage        StorageConfig         `yaml:"storage"`
	Engine         EngineConfig          `yaml:"engine"`
	Plugins        PluginConfig          `yaml:"plugins"`
	Metrics        MetricsConfig         `yaml:"metrics"`
	Secrets        map[string]SecretSpec `yaml:"secrets"`
	Notifiers      []NotifierConfig      `yaml:"notifiers"`
	AlertNotifiers []string              `yaml:"alert_notifiers"`
	Schedule       string                `yaml:"schedule"`
	Suites         []SuiteConfig         `yaml:"suites"`
}

// ServiceConfig contains global settings.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// StorageConfig locates the result database.
type StorageConfig struct {
	Path string `yaml:"path"`
	// ExecutionRetention caps how many executions are kept per suite.
	ExecutionRetention int `yaml:"execution_retention"`
}

// EngineConfig tunes execution behavior.
type EngineConfig struct {
	MaxRetries     *int     `yaml:"max_retries"`
	BaseDelay      Duration `yaml:"base_delay"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	Parallel       bool     `yaml:"parallel"`
}

// PluginConfig controls external validator discovery.
type PluginConfig struct {
	Dir          string   `yaml:"dir"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// MetricsConfig tunes the in-process aggregator.
type MetricsConfig struct {
	ResetInterval Duration `yaml:"reset_interval"`
	ResetSchedule string   `yaml:"reset_schedule"`
	Namespace     string   `yaml:"namespace"`
	// SnapshotPath, when set, receives a Prometheus text dump after
	// each suite run.
	SnapshotPath string `yaml:"snapshot_path"`
}

// SecretSpec defines how to resolve a secret.
type SecretSpec struct {
	Source string
	Value  string
}

// UnmarshalYAML parses secret definitions like "env:SMTP_PASSWORD".
func (s *SecretSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("secret must be scalar, got %s", value.ShortTag())
	}
	raw := strings.TrimSpace(value.Value)
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid secret spec %q", raw)
	}
	s.Source = strings.TrimSpace(parts[0])
	s.Value = strings.TrimSpace(parts[1])
	return nil
}

// ResolveSecrets resolves secrets into a map.
func (c *Config) ResolveSecrets() (map[string]string, error) {
	resolved := make(map[string]string, len(c.Secrets))
	for key, spec := range c.Secrets {
		switch spec.Source {
		case "env":
			val, ok := os.LookupEnv(spec.Value)
			if !ok {
				return nil, fmt.Errorf("missing env var %q for secret %q", spec.Value, key)
			}
			resolved[key] = val
		default:
			return nil, fmt.Errorf("unsupported secret source %q for secret %q", spec.Source, key)
		}
	}
	return resolved, nil
}

// NotifierConfig describes a notification endpoint.
type NotifierConfig struct {
	ID     string                 `yaml:"id"`
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// SuiteConfig declares a validation suite and its tests.
type SuiteConfig struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Description string         `yaml:"description"`
	Active      *bool          `yaml:"active"`
	Targets     []TargetConfig `yaml:"targets"`
	Tests       []TestConfig   `yaml:"tests"`
}

// TargetConfig declares an artifact under validation. Tests reference
// targets by id; tests without an explicit target_id get a default
// target derived from their target type.
type TargetConfig struct {
	ID     string                 `yaml:"id"`
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
	Active *bool                  `yaml:"active"`
}

// TestConfig declares one test within a suite.
type TestConfig struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Target     string                 `yaml:"target"`
	TargetID   string                 `yaml:"target_id"`
	Priority   string                 `yaml:"priority"`
	Active     *bool                  `yaml:"active"`
	Timeout    *NullableDuration      `yaml:"timeout"`
	MaxRetries *int                   `yaml:"max_retries"`
	Definition map[string]interface{} `yaml:"definition"`
	Expected   map[string]interface{} `yaml:"expected"`
}
