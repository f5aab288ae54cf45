package provider

import (
	"fmt"
	"strings"
	"sync"
)

// FactoryConfig captures the inputs required to construct a provider client.
type FactoryConfig struct {
	Provider string
	Endpoint string
	APIKey   string

	// Extra carries provider-specific settings from configuration.
	Extra map[string]string
}

// Factory implements provider-specific Client creation.
type Factory func(FactoryConfig) (Client, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a provider factory under one or more names. Provider
// packages call this from init.
func Register(name string, factory Factory, aliases ...string) {
	mu.Lock()
	defer mu.Unlock()

	all := append([]string{name}, aliases...)
	for _, n := range all {
		factories[strings.ToLower(n)] = factory
	}
}

// New returns a provider-agnostic client for the named provider.
func New(cfg FactoryConfig) (Client, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}

	mu.RLock()
	factory := factories[name]
	mu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("provider %q not registered (have: %s)", cfg.Provider, strings.Join(registered(), ", "))
	}
	return factory(cfg)
}

// Registered reports whether a provider name is known.
func Registered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return factories[strings.ToLower(name)] != nil
}

func registered() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	return names
}
