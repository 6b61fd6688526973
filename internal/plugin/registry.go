// Package plugin manages externally supplied validators: registration,
// enablement, health, and lookup by target type.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/provato/provato/internal/validation"
	"github.com/provato/provato/internal/validator"
)

// Plugin is the contract an external validator provider satisfies.
type Plugin interface {
	Name() string
	Version() string
	SupportedTypes() []validation.TargetType
	Initialize(ctx context.Context) error
	Health(ctx context.Context) (Health, error)
	Validate(ctx context.Context, target validation.TargetType, definition, expected map[string]any) (*validator.Outcome, error)
}

// Cleaner is optionally implemented by plugins that hold resources.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Health is a plugin's self-reported readiness.
type Health struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Info is a point-in-time view of one registry entry.
type Info struct {
	Name    string
	Version string
	Enabled bool
	Types   []validation.TargetType
}

// HealthStatus pairs registry state with a live health probe result.
type HealthStatus struct {
	Name    string
	Version string
	Enabled bool
	Healthy bool
	Message string
}

type entry struct {
	plugin  Plugin
	enabled bool
	types   map[validation.TargetType]struct{}
}

// Registry owns the set of registered plugins and their enablement state.
// Lookup order is registration order.
type Registry struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	order   []string
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		entries: map[string]*entry{},
	}
}

// Register validates the plugin's shape, initializes it, and stores it
// enabled. Structural problems surface as PluginValidationError.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	if p == nil {
		return &validation.PluginValidationError{Reason: "nil plugin"}
	}
	name := p.Name()
	if name == "" {
		return &validation.PluginValidationError{Reason: "empty plugin name"}
	}
	if p.Version() == "" {
		return &validation.PluginValidationError{Plugin: name, Reason: "empty plugin version"}
	}
	supported := p.SupportedTypes()
	if len(supported) == 0 {
		return &validation.PluginValidationError{Plugin: name, Reason: "no supported target types"}
	}
	types := make(map[validation.TargetType]struct{}, len(supported))
	for _, target := range supported {
		if !target.Valid() {
			return &validation.PluginValidationError{Plugin: name, Reason: fmt.Sprintf("unknown target type %q", target)}
		}
		types[target] = struct{}{}
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return &validation.PluginValidationError{Plugin: name, Reason: "already registered"}
	}
	r.mu.Unlock()

	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize plugin %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return &validation.PluginValidationError{Plugin: name, Reason: "already registered"}
	}
	r.entries[name] = &entry{plugin: p, enabled: true, types: types}
	r.order = append(r.order, name)
	r.logger.Info("plugin registered",
		"plugin", name,
		"version", p.Version(),
		"types", typeStrings(supported))
	return nil
}

// Unregister removes a plugin entirely, running its cleanup hook when
// present. Cleanup failures are logged, not propagated.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	ent, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unregister %q: %w", name, validation.ErrPluginNotFound)
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if cleaner, ok := ent.plugin.(Cleaner); ok {
		if err := cleaner.Cleanup(ctx); err != nil {
			r.logger.Warn("plugin cleanup failed", "plugin", name, "error", err)
		}
	}
	r.logger.Info("plugin unregistered", "plugin", name)
	return nil
}

// Enable re-enables a disabled plugin after a successful health probe.
func (r *Registry) Enable(ctx context.Context, name string) error {
	r.mu.RLock()
	ent, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("enable %q: %w", name, validation.ErrPluginNotFound)
	}

	health, err := ent.plugin.Health(ctx)
	if err != nil {
		return &validation.PluginValidationError{Plugin: name, Reason: fmt.Sprintf("health probe failed: %v", err)}
	}
	if !health.Healthy {
		return &validation.PluginValidationError{Plugin: name, Reason: fmt.Sprintf("plugin reports unhealthy: %s", health.Message)}
	}

	r.mu.Lock()
	ent.enabled = true
	r.mu.Unlock()
	r.logger.Info("plugin enabled", "plugin", name)
	return nil
}

// Disable keeps the plugin registered but removes it from resolution.
func (r *Registry) Disable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("disable %q: %w", name, validation.ErrPluginNotFound)
	}
	ent.enabled = false
	r.logger.Info("plugin disabled", "plugin", name)
	return nil
}

// Resolve returns the first enabled plugin claiming the target type,
// adapted to the validator contract, or nil when none does.
func (r *Registry) Resolve(target validation.TargetType) validator.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		ent := r.entries[name]
		if !ent.enabled {
			continue
		}
		if _, ok := ent.types[target]; ok {
			return &pluginValidator{plugin: ent.plugin, target: target}
		}
	}
	return nil
}

// AvailableTypes returns the sorted union of target types claimed by
// enabled plugins.
func (r *Registry) AvailableTypes() []validation.TargetType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[validation.TargetType]struct{}{}
	for _, name := range r.order {
		ent := r.entries[name]
		if !ent.enabled {
			continue
		}
		for target := range ent.types {
			seen[target] = struct{}{}
		}
	}
	out := make([]validation.TargetType, 0, len(seen))
	for target := range seen {
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Plugins lists registry entries in registration order.
func (r *Registry) Plugins() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		ent := r.entries[name]
		types := make([]validation.TargetType, 0, len(ent.types))
		for target := range ent.types {
			types = append(types, target)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		out = append(out, Info{
			Name:    name,
			Version: ent.plugin.Version(),
			Enabled: ent.enabled,
			Types:   types,
		})
	}
	return out
}

// HealthSnapshot probes every registered plugin, enabled or not.
func (r *Registry) HealthSnapshot(ctx context.Context) []HealthStatus {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	plugins := make(map[string]*entry, len(r.entries))
	for name, ent := range r.entries {
		plugins[name] = ent
	}
	r.mu.RUnlock()

	out := make([]HealthStatus, 0, len(names))
	for _, name := range names {
		ent := plugins[name]
		status := HealthStatus{
			Name:    name,
			Version: ent.plugin.Version(),
			Enabled: ent.enabled,
		}
		health, err := ent.plugin.Health(ctx)
		if err != nil {
			status.Message = err.Error()
		} else {
			status.Healthy = health.Healthy
			status.Message = health.Message
		}
		out = append(out, status)
	}
	return out
}

type pluginValidator struct {
	plugin Plugin
	target validation.TargetType
}

func (a *pluginValidator) Validate(ctx context.Context, definition, expected map[string]any) (*validator.Outcome, error) {
	return a.plugin.Validate(ctx, a.target, definition, expected)
}

func typeStrings(types []validation.TargetType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
