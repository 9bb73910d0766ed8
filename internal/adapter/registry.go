package adapter

import (
	"fmt"
	"log"
	"sync"
)

// Constructor creates an adapter instance from its registered name and
// transport-specific configuration. Implementations register themselves
// with the registry using Register().
//
// The cfg map holds transport-specific options as loaded from the host
// application's configuration; constructors decode it into their own
// typed config. If logger is nil, constructors fall back to a default
// stderr logger.
type Constructor func(name string, cfg map[string]any, logger *log.Logger) (Adapter, error)

// registry maps adapter types to their constructors
var (
	registry      = make(map[Type]Constructor)
	registryMutex sync.RWMutex
)

// Register registers an adapter implementation constructor.
// This is called from init() functions in implementation packages
// (file, socket, remote).
//
// Example:
//
//	func init() {
//	    adapter.Register(adapter.TypeFile, New)
//	}
func Register(t Type, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("adapter: Register constructor is nil for type %s", t))
	}

	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("adapter: Register called twice for type %s", t))
	}

	registry[t] = constructor
}

// New creates an adapter of the given type using its registered
// constructor. It fails if no constructor is registered for the type.
func New(t Type, name string, cfg map[string]any, logger *log.Logger) (Adapter, error) {
	registryMutex.RLock()
	constructor := registry[t]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("no registered constructor for adapter type: %s (available: %v)", t, RegisteredTypes())
	}

	a, err := constructor(name, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter %q: %w", t, name, err)
	}
	return a, nil
}

// IsRegistered returns true if a constructor is registered for the given type.
func IsRegistered(t Type) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[t]
	return exists
}

// RegisteredTypes returns all registered adapter types.
// Useful for testing and debugging.
func RegisteredTypes() []Type {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

// UnregisterAll clears all registered constructors.
// This is primarily useful for testing.
func UnregisterAll() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = make(map[Type]Constructor)
}
