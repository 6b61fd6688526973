package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxRetries     = 3
	defaultBaseDelay      = time.Second
	defaultMaxConcurrent  = 10
	defaultTimeout        = 5 * time.Minute
	defaultProbeTimeout   = 10 * time.Second
	defaultResetInterval  = 24 * time.Hour
	defaultRetentionCount = 500
)

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Service.Name == "" {
		c.Service.Name = "provato"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "provato.db"
	}
	if c.Storage.ExecutionRetention <= 0 {
		c.Storage.ExecutionRetention = defaultRetentionCount
	}
	if c.Engine.MaxRetries == nil {
		retries := defaultMaxRetries
		c.Engine.MaxRetries = &retries
	}
	if c.Engine.BaseDelay.Duration <= 0 {
		c.Engine.BaseDelay = Duration{defaultBaseDelay}
	}
	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Engine.DefaultTimeout.Duration <= 0 {
		c.Engine.DefaultTimeout = Duration{defaultTimeout}
	}
	if c.Plugins.ProbeTimeout.Duration <= 0 {
		c.Plugins.ProbeTimeout = Duration{defaultProbeTimeout}
	}
	if c.Metrics.ResetInterval.Duration <= 0 {
		c.Metrics.ResetInterval = Duration{defaultResetInterval}
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "provato"
	}
	for i := range c.Suites {
		if c.Suites[i].Type == "" {
			c.Suites[i].Type = "functional"
		}
	}
}

func (c *Config) validate() error {
	if *c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	notifierIDs := make(map[string]struct{}, len(c.Notifiers))
	for i, n := range c.Notifiers {
		if n.ID == "" {
			return fmt.Errorf("notifiers[%d]: missing id", i)
		}
		if n.Type == "" {
			return fmt.Errorf("notifier %q: missing type", n.ID)
		}
		if _, dup := notifierIDs[n.ID]; dup {
			return fmt.Errorf("duplicate notifier id %q", n.ID)
		}
		notifierIDs[n.ID] = struct{}{}
	}
	for _, id := range c.AlertNotifiers {
		if _, ok := notifierIDs[id]; !ok {
			return fmt.Errorf("alert_notifiers references unknown notifier %q", id)
		}
	}
	suiteIDs := make(map[string]struct{}, len(c.Suites))
	for i, suite := range c.Suites {
		if suite.ID == "" {
			return fmt.Errorf("suites[%d]: missing id", i)
		}
		if _, dup := suiteIDs[suite.ID]; dup {
			return fmt.Errorf("duplicate suite id %q", suite.ID)
		}
		suiteIDs[suite.ID] = struct{}{}
		targetIDs := make(map[string]struct{}, len(suite.Targets))
		for j, target := range suite.Targets {
			if target.ID == "" {
				return fmt.Errorf("suite %q targets[%d]: missing id", suite.ID, j)
			}
			if target.Type == "" {
				return fmt.Errorf("suite %q target %q: missing type", suite.ID, target.ID)
			}
			if _, dup := targetIDs[target.ID]; dup {
				return fmt.Errorf("suite %q: duplicate target id %q", suite.ID, target.ID)
			}
			targetIDs[target.ID] = struct{}{}
		}
		testIDs := make(map[string]struct{}, len(suite.Tests))
		for j, test := range suite.Tests {
			if test.ID == "" {
				return fmt.Errorf("suite %q tests[%d]: missing id", suite.ID, j)
			}
			if test.Target == "" {
				return fmt.Errorf("suite %q test %q: missing target", suite.ID, test.ID)
			}
			if _, dup := testIDs[test.ID]; dup {
				return fmt.Errorf("suite %q: duplicate test id %q", suite.ID, test.ID)
			}
			testIDs[test.ID] = struct{}{}
			if test.MaxRetries != nil && *test.MaxRetries < 0 {
				return fmt.Errorf("suite %q test %q: max_retries must not be negative", suite.ID, test.ID)
			}
		}
	}
	return nil
}
