package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Options carries everything an engine factory may need. Fields not
// relevant to a variant are ignored by it.
type Options struct {
	Logger   *slog.Logger
	CacheDir string

	// DSN is the connection string for remote engines.
	DSN string

	// Path is the local database file for file-backed engines.
	Path string
}

// Factory constructs one engine session from options.
type Factory func(Options) (Context, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds an engine factory to the registry.
// Called by engine implementations in their init() functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get retrieves an engine factory by name.
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// New creates an engine session by registry name.
func New(name string, opts Options) (Context, error) {
	if name == "" {
		return nil, fmt.Errorf("engine name not specified")
	}

	factory, ok := Get(name)
	if !ok {
		return nil, &UnknownEngineError{
			Name:      name,
			Available: List(),
		}
	}
	return factory(opts)
}

// List returns all registered engine names (sorted).
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if an engine name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// UnknownEngineError is returned when an unknown engine is requested.
type UnknownEngineError struct {
	Name      string
	Available []string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("unknown engine %q, available engines: %v", e.Name, e.Available)
}
