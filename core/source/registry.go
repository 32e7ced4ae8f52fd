package source

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/baas/core/registry"
)

// RegistryPrefix is the registry key prefix of module descriptors
const RegistryPrefix = "baas"

// Registry reads descriptors from the database registry, under the keys "baas:<module>".
// The registry timestamp is the modification time.
type Registry struct {
	accessor registry.Accessor
}

// NewRegistry returns a new registry source
func NewRegistry(r registry.Registry) *Registry {
	return &Registry{accessor: r.Accessor(RegistryPrefix)}
}

// Stat implements Source
func (r *Registry) Stat(ctx context.Context, module string) (time.Time, error) {
	if !ValidModuleName(module) {
		return time.Time{}, ErrNotExist
	}
	ts, err := r.accessor.Stat(ctx, module)
	if err != nil {
		return time.Time{}, err
	}
	if ts.IsZero() {
		return time.Time{}, ErrNotExist
	}
	return ts, nil
}

// Load implements Source
func (r *Registry) Load(ctx context.Context, module string) ([]byte, error) {
	if !ValidModuleName(module) {
		return nil, ErrNotExist
	}
	data, _, err := r.accessor.ReadRaw(ctx, module)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotExist
	}
	return data, nil
}

// Publish writes a module's descriptor into the registry
func (r *Registry) Publish(ctx context.Context, module string, data []byte) error {
	if !ValidModuleName(module) {
		return fmt.Errorf("invalid module name %q", module)
	}
	if !json.Valid(data) {
		return fmt.Errorf("descriptor of %s is not valid JSON", module)
	}
	return r.accessor.Write(ctx, module, data)
}

// Remove deletes a module's descriptor from the registry
func (r *Registry) Remove(ctx context.Context, module string) error {
	return r.accessor.Delete(ctx, module)
}
