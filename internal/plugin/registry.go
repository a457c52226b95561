// Package plugin holds the generator plugin registry. Generators with custom
// behavior (secondary identifiers, reports, visualizations) register here at
// startup; absence of a plugin or of an individual hook means "skip".
package plugin

import (
	"sync"
	"time"
)

// Plugin bundles the optional hooks a generator may provide. Any field may
// be nil.
type Plugin struct {
	// ExtractSecondaryIdentifier derives a generator-specific
	// subclassification from a point's properties.
	ExtractSecondaryIdentifier func(properties map[string]any) (string, bool)

	// CompileReport renders a report file for the generator and returns its
	// path, or false when the plugin produces no report for the request.
	CompileReport func(generatorID string, sources []string, dataStart, dataEnd time.Time, dateType string) (string, bool)

	// CompileVisualization writes visualization assets for the given points
	// into outputFolder.
	CompileVisualization func(generatorID string, points []map[string]any, outputFolder string) error
}

// Registry maps generator identifiers to their plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register installs or replaces the plugin for a generator identifier.
func (r *Registry) Register(generatorID string, p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[generatorID] = p
}

// Lookup returns the plugin for a generator identifier, if one is registered.
func (r *Registry) Lookup(generatorID string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[generatorID]
	return p, ok
}

// SecondaryIdentifier runs the generator's extractor when present. The empty
// return with ok=false covers both "no plugin" and "no hook".
func (r *Registry) SecondaryIdentifier(generatorID string, properties map[string]any) (string, bool) {
	p, ok := r.Lookup(generatorID)
	if !ok || p.ExtractSecondaryIdentifier == nil {
		return "", false
	}
	return p.ExtractSecondaryIdentifier(properties)
}
