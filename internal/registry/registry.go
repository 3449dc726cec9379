// Package registry manages the lifecycle of miningops plugins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/miningops/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.PluginResolver = (*Registry)(nil)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	order    []string // registration order, replaced by dependency order in Validate
	disabled map[string]string
	logger   *zap.Logger
}

// New creates a new plugin registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		disabled: make(map[string]string),
		logger:   logger,
	}
}

// Register adds a plugin to the registry.
func (r *Registry) Register(p plugin.Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := p.Info()
	if info.Name == "" {
		return errors.New("plugin name must not be empty")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}

	r.plugins[info.Name] = p
	r.order = append(r.order, info.Name)
	r.logger.Info("plugin registered", zap.String("name", info.Name), zap.String("version", info.Version))
	return nil
}

// Validate checks API versions and dependencies, disables optional plugins
// whose requirements are not met, and sorts plugins so that dependencies
// start before their dependents.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		info := r.plugins[name].Info()
		if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
			if err := r.disableLocked(name, fmt.Sprintf("unsupported API version %d", info.APIVersion)); err != nil {
				return err
			}
			continue
		}
		for _, dep := range info.Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				if err := r.disableLocked(name, fmt.Sprintf("missing dependency %q", dep)); err != nil {
					return err
				}
				break
			}
		}
	}

	sorted, err := r.topoSortLocked()
	if err != nil {
		return err
	}
	r.order = sorted

	// Cascade: anything depending on a disabled plugin is disabled too.
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		for _, dep := range r.plugins[name].Info().Dependencies {
			if _, off := r.disabled[dep]; off {
				if err := r.disableLocked(name, fmt.Sprintf("dependency %q disabled", dep)); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// InitAll initializes every enabled plugin in dependency order. A failing
// optional plugin is disabled; a failing required plugin aborts.
func (r *Registry) InitAll(ctx context.Context, deps func(name string) plugin.Dependencies) error {
	for _, p := range r.enabled() {
		info := p.Info()
		d := deps(info.Name)
		if d.Plugins == nil {
			d.Plugins = r
		}

		r.logger.Info("initializing plugin", zap.String("name", info.Name))
		err := p.Init(ctx, d)
		if err == nil {
			if v, ok := p.(plugin.Validator); ok {
				err = v.ValidateConfig()
			}
		}
		if err == nil {
			continue
		}
		if info.Required {
			return fmt.Errorf("initialize plugin %q: %w", info.Name, err)
		}
		r.logger.Warn("optional plugin failed to initialize, disabling",
			zap.String("name", info.Name),
			zap.Error(err),
		)
		r.mu.Lock()
		_ = r.disableLocked(info.Name, err.Error())
		r.mu.Unlock()
	}
	return nil
}

// StartAll starts all enabled plugins in dependency order.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, p := range r.enabled() {
		name := p.Info().Name
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start plugin %q: %w", name, err)
		}
	}
	return nil
}

// StopAll stops all enabled plugins in reverse order.
func (r *Registry) StopAll(ctx context.Context) {
	enabled := r.enabled()
	for i := len(enabled) - 1; i >= 0; i-- {
		p := enabled[i]
		name := p.Info().Name
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := p.Stop(ctx); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
}

// Get returns an enabled plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, off := r.disabled[name]; off {
		return nil, false
	}
	p, ok := r.plugins[name]
	return p, ok
}

// IsDisabled reports whether the named plugin has been disabled.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, off := r.disabled[name]
	return off
}

// All returns all enabled plugins in start order.
func (r *Registry) All() []plugin.Plugin {
	return r.enabled()
}

// AllRoutes returns the routes of every enabled plugin implementing
// plugin.HTTPProvider, keyed by plugin name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	routes := make(map[string][]plugin.Route)
	for _, p := range r.enabled() {
		hp, ok := p.(plugin.HTTPProvider)
		if !ok {
			continue
		}
		if pr := hp.Routes(); len(pr) > 0 {
			routes[p.Info().Name] = pr
		}
	}
	return routes
}

func (r *Registry) enabled() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		out = append(out, r.plugins[name])
	}
	return out
}

// disableLocked marks a plugin disabled. Required plugins cannot be
// disabled; an error is returned instead.
func (r *Registry) disableLocked(name, reason string) error {
	if r.plugins[name].Info().Required {
		return fmt.Errorf("required plugin %q: %s", name, reason)
	}
	r.disabled[name] = reason
	r.logger.Warn("plugin disabled", zap.String("name", name), zap.String("reason", reason))
	return nil
}

// topoSortLocked orders plugins so dependencies come first, preserving
// registration order among independent plugins.
func (r *Registry) topoSortLocked() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.order))
	sorted := make([]string, 0, len(r.order))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle detected: %v", append(path, name))
		}
		state[name] = visiting
		for _, dep := range r.plugins[name].Info().Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				continue
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		sorted = append(sorted, name)
		return nil
	}

	for _, name := range r.order {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}
