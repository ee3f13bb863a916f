package plugin

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"extsched/internal/task"
)

// Info describes a loaded plugin.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Plugin contributes task definitions. RegisterTasks is called once per load.
type Plugin interface {
	Info() Info
	RegisterTasks() ([]task.Definition, error)
}

// ConfigurablePlugin receives the plugin's config blob at load time and on
// every hot reload that changes it.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// Factory builds a plugin instance.
type Factory func() Plugin

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a plugin available under ref. It is meant to be called from
// package init functions and panics on duplicate or empty refs.
func Register(ref string, f Factory) {
	ref = strings.TrimSpace(ref)
	if ref == "" || f == nil {
		panic("plugin: Register with empty ref or nil factory")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[ref]; dup {
		panic("plugin: Register called twice for " + ref)
	}
	registry[ref] = f
}

// Lookup returns the factory registered under ref.
func Lookup(ref string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := registry[ref]
	return f, ok
}

// Refs lists registered plugin refs, sorted.
func Refs() []string {
	regMu.RLock()
	out := make([]string, 0, len(registry))
	for ref := range registry {
		out = append(out, ref)
	}
	regMu.RUnlock()
	sort.Strings(out)
	return out
}
