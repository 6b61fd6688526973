package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
suites:
  - id: smoke
    name: Smoke
    tests:
      - id: t1
        name: code check
        target: code-function
        priority: high
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxRetries == nil || *cfg.Engine.MaxRetries != 3 {
		t.Errorf("default max_retries = %v, want 3", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.BaseDelay.Duration != time.Second {
		t.Errorf("default base_delay = %s, want 1s", cfg.Engine.BaseDelay.Duration)
	}
	if cfg.Engine.MaxConcurrent != 10 {
		t.Errorf("default max_concurrent = %d, want 10", cfg.Engine.MaxConcurrent)
	}
	if cfg.Engine.DefaultTimeout.Duration != 5*time.Minute {
		t.Errorf("default timeout = %s, want 5m", cfg.Engine.DefaultTimeout.Duration)
	}
	if cfg.Metrics.ResetInterval.Duration != 24*time.Hour {
		t.Errorf("default reset_interval = %s, want 24h", cfg.Metrics.ResetInterval.Duration)
	}
	if cfg.Storage.ExecutionRetention != 500 {
		t.Errorf("default execution_retention = %d, want 500", cfg.Storage.ExecutionRetention)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log_level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadParsesFullTree(t *testing.T) {
	path := writeConfig(t, `
version: 1
log_level: debug
service:
  name: provato
  environment: staging
storage:
  path: /tmp/provato.db
  execution_retention: 25
engine:
  max_retries: 0
  base_delay: 250ms
  max_concurrent: 4
  default_timeout: 30s
  parallel: true
plugins:
  dir: ./plugins
  probe_timeout: 3s
metrics:
  reset_schedule: "0 0 * * *"
  namespace: qa
secrets:
  smtp_password: env:TEST_SMTP_PASSWORD
notifiers:
  - id: ops
    type: webhook
    config:
      url: https://hooks.example.com/x
alert_notifiers: [ops]
schedule: "*/15 * * * *"
suites:
  - id: release
    name: Release gate
    targets:
      - id: support-bot
        type: model_output
        config:
          model: support-bot-v2
    tests:
      - id: llm-1
        name: model answer quality
        target: model_output
        target_id: support-bot
        priority: critical
        timeout: 45s
        max_retries: 1
        definition:
          prompt: "What is the capital of France?"
        expected:
          criteria:
            relevance:
              threshold: 0.7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg.Engine.MaxRetries != 0 {
		t.Errorf("explicit max_retries 0 should survive defaults, got %d", *cfg.Engine.MaxRetries)
	}
	if cfg.Engine.BaseDelay.Duration != 250*time.Millisecond {
		t.Errorf("base_delay = %s", cfg.Engine.BaseDelay.Duration)
	}
	if got := cfg.Secrets["smtp_password"]; got.Source != "env" || got.Value != "TEST_SMTP_PASSWORD" {
		t.Errorf("secret spec = %+v", got)
	}
	if len(cfg.Suites[0].Targets) != 1 {
		t.Fatalf("targets = %+v", cfg.Suites[0].Targets)
	}
	target := cfg.Suites[0].Targets[0]
	if target.ID != "support-bot" || target.Type != "model_output" {
		t.Errorf("target = %+v", target)
	}
	if target.Config["model"] != "support-bot-v2" {
		t.Errorf("target config = %+v", target.Config)
	}
	test := cfg.Suites[0].Tests[0]
	if test.TargetID != "support-bot" {
		t.Errorf("test target_id = %q", test.TargetID)
	}
	if test.Timeout == nil || !test.Timeout.Set || test.Timeout.Duration != 45*time.Second {
		t.Errorf("test timeout = %+v", test.Timeout)
	}
	if test.MaxRetries == nil || *test.MaxRetries != 1 {
		t.Errorf("test max_retries = %v", test.MaxRetries)
	}
	if _, ok := test.Expected["criteria"]; !ok {
		t.Error("expected criteria map to survive parsing")
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "duplicate suite ids",
			body: "suites:\n  - id: a\n    tests: [{id: t, target: code-function}]\n  - id: a\n    tests: [{id: t, target: code-function}]\n",
			want: "duplicate suite id",
		},
		{
			name: "duplicate test ids",
			body: "suites:\n  - id: a\n    tests:\n      - {id: t, target: code-function}\n      - {id: t, target: code-function}\n",
			want: "duplicate test id",
		},
		{
			name: "missing target",
			body: "suites:\n  - id: a\n    tests:\n      - {id: t}\n",
			want: "missing target",
		},
		{
			name: "duplicate target ids",
			body: "suites:\n  - id: a\n    targets:\n      - {id: x, type: ui-component}\n      - {id: x, type: ui-component}\n    tests:\n      - {id: t, target: code-function}\n",
			want: "duplicate target id",
		},
		{
			name: "target missing type",
			body: "suites:\n  - id: a\n    targets:\n      - {id: x}\n    tests:\n      - {id: t, target: code-function}\n",
			want: "missing type",
		},
		{
			name: "unknown alert notifier",
			body: "alert_notifiers: [ghost]\n",
			want: "unknown notifier",
		},
		{
			name: "negative retries",
			body: "engine:\n  max_retries: -2\n",
			want: "must not be negative",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("PROVATO_TEST_TOKEN", "s3cret")
	cfg := &Config{Secrets: map[string]SecretSpec{
		"token": {Source: "env", Value: "PROVATO_TEST_TOKEN"},
	}}
	resolved, err := cfg.ResolveSecrets()
	if err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if resolved["token"] != "s3cret" {
		t.Errorf("token = %q", resolved["token"])
	}

	cfg.Secrets["missing"] = SecretSpec{Source: "env", Value: "PROVATO_DOES_NOT_EXIST"}
	if _, err := cfg.ResolveSecrets(); err == nil {
		t.Error("expected error for missing env var")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfig(t, "engine:\n  base_delay: not-a-duration\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}
