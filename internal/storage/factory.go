// factory.go implements the storage backend registry, mapping backend names
// (local, s3, gcs, azure) to constructor functions.
package storage

import (
	"fmt"

	"github.com/mlplatform/console-backend/internal/config"
)

// FactoryFunc creates a storage backend from configuration
type FactoryFunc func(*config.Config) (Storage, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStorage creates the archive backend selected by storage.backend
func NewStorage(cfg *config.Config) (Storage, error) {
	factory, ok := factories[cfg.Storage.Backend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage backend: %s (must be 'local', 's3', 'gcs', or 'azure')", cfg.Storage.Backend)
	}

	return factory(cfg)
}
