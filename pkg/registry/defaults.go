package registry

import (
	"github.com/fluxway/fluxway/pkg/adapters/httpadapter"
	"github.com/fluxway/fluxway/pkg/adapters/logadapter"
)

// RegisterDefaultAdapters registers the built-in worker adapter factories.
func (r *Registry) RegisterDefaultAdapters() {
	r.RegisterAdapter(httpadapter.NewFactory())
	r.RegisterAdapter(logadapter.NewFactory(r.logger))
}
