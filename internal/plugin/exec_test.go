package plugin

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/provato/provato/internal/config"
	"github.com/provato/provato/internal/validation"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

const wellBehaved = `case "$1" in
init) exit 0 ;;
health) echo '{"healthy": true, "message": "warm"}' ;;
validate) cat > /dev/null; echo '{"status":"passed","score":91,"max_score":100,"details":{"source":"script"}}' ;;
*) echo "unknown op $1" >&2; exit 64 ;;
esac
`

func TestExecPluginLifecycle(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "check.sh", wellBehaved)

	p, err := NewExecPlugin(Manifest{
		Name:    "shellcheck",
		Version: "0.3.1",
		Types:   []string{"code_function"},
		Command: script,
	}, dir, 5*time.Second)
	if err != nil {
		t.Fatalf("new exec plugin: %v", err)
	}
	if p.Name() != "shellcheck" || p.Version() != "0.3.1" {
		t.Errorf("unexpected identity: %s %s", p.Name(), p.Version())
	}
	types := p.SupportedTypes()
	if len(types) != 1 || types[0] != validation.TargetCodeFunction {
		t.Fatalf("unexpected types: %v", types)
	}

	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	health, err := p.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !health.Healthy || health.Message != "warm" {
		t.Errorf("unexpected health: %+v", health)
	}

	outcome, err := p.Validate(ctx, validation.TargetCodeFunction, map[string]any{"code": "func main() {}"}, nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if outcome.Status != validation.ResultPassed {
		t.Errorf("expected passed, got %s", outcome.Status)
	}
	if outcome.Score != 91 || outcome.MaxScore != 100 {
		t.Errorf("unexpected score %v/%v", outcome.Score, outcome.MaxScore)
	}
	if outcome.Details["source"] != "script" {
		t.Errorf("unexpected details: %v", outcome.Details)
	}
}

func TestExecPluginSurfacesStderr(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "broken.sh", `echo "model weights missing" >&2; exit 3`)

	p, err := NewExecPlugin(Manifest{
		Name:    "broken",
		Types:   []string{"model-output"},
		Command: script,
	}, dir, 5*time.Second)
	if err != nil {
		t.Fatalf("new exec plugin: %v", err)
	}

	err = p.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected init failure")
	}
	if !strings.Contains(err.Error(), "model weights missing") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestExecPluginRejectsUnknownStatus(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "odd.sh", `cat > /dev/null; echo '{"status":"maybe","score":50}'`)

	p, err := NewExecPlugin(Manifest{
		Name:    "odd",
		Types:   []string{"ui-component"},
		Command: script,
	}, dir, 5*time.Second)
	if err != nil {
		t.Fatalf("new exec plugin: %v", err)
	}

	_, err = p.Validate(context.Background(), validation.TargetUIComponent, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
	if !strings.Contains(err.Error(), `"maybe"`) {
		t.Errorf("expected offending status in error, got %v", err)
	}
}

func TestExecPluginDefaultsMaxScore(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "lean.sh", `cat > /dev/null; echo '{"status":"failed","score":40}'`)

	p, err := NewExecPlugin(Manifest{
		Name:    "lean",
		Types:   []string{"api-endpoint"},
		Command: script,
	}, dir, 5*time.Second)
	if err != nil {
		t.Fatalf("new exec plugin: %v", err)
	}

	outcome, err := p.Validate(context.Background(), validation.TargetAPIEndpoint, nil, nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if outcome.Status != validation.ResultFailed || outcome.MaxScore != 100 {
		t.Errorf("expected failed with max score 100, got %+v", outcome)
	}
}

func TestExecPluginTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", `sleep 5`)

	timeout := config.Duration{Duration: 100 * time.Millisecond}
	p, err := NewExecPlugin(Manifest{
		Name:    "slow",
		Types:   []string{"data-pipeline"},
		Command: script,
		Timeout: &timeout,
	}, dir, 5*time.Second)
	if err != nil {
		t.Fatalf("new exec plugin: %v", err)
	}

	start := time.Now()
	if err := p.Initialize(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout did not bound the call, took %s", elapsed)
	}
}

func TestNewExecPluginManifestChecks(t *testing.T) {
	cases := []struct {
		name     string
		manifest Manifest
	}{
		{"missing name", Manifest{Command: "run.sh", Types: []string{"code-function"}}},
		{"missing command", Manifest{Name: "x", Types: []string{"code-function"}}},
		{"missing types", Manifest{Name: "x", Command: "run.sh"}},
		{"bad type", Manifest{Name: "x", Command: "run.sh", Types: []string{"mainframe"}}},
	}
	for _, tc := range cases {
		if _, err := NewExecPlugin(tc.manifest, t.TempDir(), time.Second); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "check.sh", wellBehaved)

	good := `name: flat-checker
version: "1.2.0"
types: [code-function]
command: ` + script + "\n"
	if err := os.WriteFile(filepath.Join(dir, "flat.plugin.yml"), []byte(good), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	nested := `name: nested-checker
version: "0.9.0"
types: [ui-component]
command: ` + script + "\n"
	if err := os.WriteFile(filepath.Join(sub, "plugin.yml"), []byte(nested), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "junk.plugin.yml"), []byte("{{notyaml"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	reg := testRegistry()
	loaded, err := LoadDir(context.Background(), reg, dir, LoadOptions{
		DefaultTimeout: 5 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 plugins loaded, got %v", loaded)
	}
	if reg.Resolve(validation.TargetCodeFunction) == nil {
		t.Error("expected flat plugin to resolve code-function")
	}
	if reg.Resolve(validation.TargetUIComponent) == nil {
		t.Error("expected nested plugin to resolve ui-component")
	}
}

func TestLoadDirMissing(t *testing.T) {
	reg := testRegistry()
	loaded, err := LoadDir(context.Background(), reg, filepath.Join(t.TempDir(), "nope"), LoadOptions{})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected no plugins, got %v", loaded)
	}
}
