package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadOptions tunes manifest discovery.
type LoadOptions struct {
	// DefaultTimeout bounds plugin subprocess calls when the manifest
	// does not set its own.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// LoadDir discovers plugin manifests under dir and registers them.
// It looks for *.yml and *.yaml files in dir and plugin.yml or
// plugin.yaml files one level down. Broken manifests and failing
// registrations are logged and skipped so one bad plugin cannot block
// the rest. Returns the names of the plugins that registered.
func LoadDir(ctx context.Context, reg *Registry, dir string, opts LoadOptions) ([]string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("plugin directory missing, skipping", "dir", dir)
		return nil, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin dir: %w", err)
	}

	var paths []string
	for _, pattern := range []string{"*.yml", "*.yaml", filepath.Join("*", "plugin.yml"), filepath.Join("*", "plugin.yaml")} {
		matches, err := filepath.Glob(filepath.Join(abs, pattern))
		if err != nil {
			return nil, fmt.Errorf("scan plugin dir: %w", err)
		}
		paths = append(paths, matches...)
	}

	var loaded []string
	for _, path := range paths {
		manifest, err := readManifest(path)
		if err != nil {
			logger.Warn("skipping plugin manifest", "path", path, "error", err)
			continue
		}
		p, err := NewExecPlugin(manifest, filepath.Dir(path), opts.DefaultTimeout)
		if err != nil {
			logger.Warn("skipping plugin manifest", "path", path, "error", err)
			continue
		}
		if err := reg.Register(ctx, p); err != nil {
			logger.Warn("plugin registration failed", "path", path, "plugin", manifest.Name, "error", err)
			continue
		}
		loaded = append(loaded, manifest.Name)
	}
	return loaded, nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}
