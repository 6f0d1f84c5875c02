// Package registry holds the worker adapter factories and script functions
// available to the engine, and validates workflow definitions against them.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/fluxway/fluxway/pkg/protocol"
)

type Registry struct {
	logger           *slog.Logger
	adapterFactories map[string]protocol.AdapterFactory
	scriptFuncs      map[string]protocol.ScriptFunc
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:           log,
		adapterFactories: make(map[string]protocol.AdapterFactory),
		scriptFuncs:      make(map[string]protocol.ScriptFunc),
	}
}

func (r *Registry) RegisterAdapter(factory protocol.AdapterFactory) {
	r.adapterFactories[factory.ID()] = factory
}

func (r *Registry) RegisterScript(name string, fn protocol.ScriptFunc) {
	r.scriptFuncs[name] = fn
}

// CreateAdapter validates the config against the factory's schema and builds
// the adapter.
func (r *Registry) CreateAdapter(adapterType string, config map[string]any) (protocol.WorkerAdapter, error) {
	factory, ok := r.adapterFactories[adapterType]
	if !ok {
		return nil, fmt.Errorf("adapter type '%s' not registered", adapterType)
	}

	err := validateConfig(factory.Schema(), config)
	if err != nil {
		return nil, fmt.Errorf("invalid config for adapter '%s': %w", adapterType, err)
	}

	return factory.Create(config)
}

// Script returns a registered script function.
func (r *Registry) Script(name string) (protocol.ScriptFunc, error) {
	fn, ok := r.scriptFuncs[name]
	if !ok {
		return nil, fmt.Errorf("script function '%s' not registered", name)
	}

	return fn, nil
}

// HasAdapter reports whether an adapter type is registered.
func (r *Registry) HasAdapter(adapterType string) bool {
	_, ok := r.adapterFactories[adapterType]

	return ok
}

// HasScript reports whether a script function is registered.
func (r *Registry) HasScript(name string) bool {
	_, ok := r.scriptFuncs[name]

	return ok
}

func validateConfig(schema map[string]any, config map[string]any) error {
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("config does not match schema: %s", errs[0].String())
		}

		return fmt.Errorf("config does not match schema")
	}

	return nil
}
