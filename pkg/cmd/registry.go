package cmd

import (
	"log/slog"

	"github.com/fluxway/fluxway/pkg/registry"
)

// NewRegistry builds a registry with the native adapters registered.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultAdapters()

	return reg
}
