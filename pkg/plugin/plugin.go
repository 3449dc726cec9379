// Package plugin defines the contract between the miningops core and its
// modules (beacon, recon, pulse).
package plugin

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// API versions understood by the registry.
const (
	APIVersionMin     = 1
	APIVersionCurrent = 1
)

// PluginInfo describes a plugin to the registry.
type PluginInfo struct {
	Name         string
	Version      string
	Description  string
	Dependencies []string
	Required     bool
	APIVersion   int
}

// Route represents an HTTP route exposed by a plugin.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Plugin is implemented by every miningops module.
type Plugin interface {
	Info() PluginInfo
	Init(ctx context.Context, deps Dependencies) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Dependencies are injected into each plugin at Init.
type Dependencies struct {
	Config  Config
	Logger  *zap.Logger
	Bus     EventBus
	Store   Store
	Plugins PluginResolver
}

// PluginResolver looks up other registered plugins.
type PluginResolver interface {
	Get(name string) (Plugin, bool)
}

// Config is the read-only configuration view handed to a plugin.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
	Unmarshal(target any) error
}
