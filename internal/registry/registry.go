// Package registry maps strategy types to their parameter schemas and
// factories.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/saltfish/freqevolve/internal/domain"
)

// Strategy is a constructed, parameterized strategy implementation.
type Strategy interface {
	Type() string
	Parameters() domain.Parameters
}

// Factory constructs a Strategy from a parameter set.
type Factory func(params domain.Parameters) (Strategy, error)

// Definition describes one registered strategy type.
type Definition struct {
	Type        string
	Description string
	Schema      domain.Schema
	Factory     Factory
}

// Registry is a concurrency-safe set of strategy definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a definition. A nil factory registers the
// generic parameterized strategy.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("%w: strategy type is required", domain.ErrInvalidInput)
	}
	for name, spec := range def.Schema {
		if !spec.Type.IsValid() {
			return domain.NewConfigurationError(def.Type+"."+name, fmt.Sprintf("unknown parameter type %q", spec.Type))
		}
	}
	if def.Factory == nil {
		def.Factory = ParameterizedFactory(def.Type, def.Schema)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
	return nil
}

// Schema returns the parameter schema of a strategy type.
func (r *Registry) Schema(strategyType string) (domain.Schema, error) {
	def, err := r.lookup(strategyType)
	if err != nil {
		return nil, err
	}
	out := make(domain.Schema, len(def.Schema))
	for k, v := range def.Schema {
		out[k] = v
	}
	return out, nil
}

// Resolve returns the factory of a strategy type.
func (r *Registry) Resolve(strategyType string) (Factory, error) {
	def, err := r.lookup(strategyType)
	if err != nil {
		return nil, err
	}
	return def.Factory, nil
}

// Types returns the registered strategy types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) lookup(strategyType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[strategyType]
	if !ok {
		return Definition{}, domain.NewConfigurationError(strategyType, "unknown strategy type")
	}
	return def, nil
}
