package httpadapter

import "github.com/fluxway/fluxway/pkg/protocol"

// Factory creates HTTP worker adapters.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "http"
}

func (f *Factory) Create(config map[string]any) (protocol.WorkerAdapter, error) {
	return NewAdapter(config)
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url": map[string]any{
				"type":   "string",
				"format": "uri",
			},
			"method": map[string]any{
				"type": "string",
				"enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
			"headers": map[string]any{
				"type": "object",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"timeout_ms": map[string]any{
				"type":    "number",
				"minimum": 1,
			},
		},
	}
}
