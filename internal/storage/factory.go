package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/laasy/corptravel/internal/config"
)

// FactoryFunc builds a backend from the application config
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register makes a backend available under name. It is called from backend init().
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// Registered lists the backend names known to the factory, sorted
func Registered() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewStorage creates the backend named by storage.default_backend
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Storage.DefaultBackend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (registered: %s)",
			cfg.Storage.DefaultBackend, strings.Join(Registered(), ", "))
	}
	return factory(cfg)
}
