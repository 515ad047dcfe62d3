package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a Model instance. Factories are registered under a
// model identifier; the CLI selects one via the config's model field.
type Factory func() (Model, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a model factory available under an identifier.
// Registering the same identifier twice is a programming error.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("executor: model %q registered twice", name))
	}
	registry[name] = factory
}

// Lookup instantiates the model registered under the identifier.
func Lookup(name string) (Model, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown model '%s' (registered: %v)", name, Registered())
	}
	return factory()
}

// Registered returns the sorted identifiers of all registered models.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
