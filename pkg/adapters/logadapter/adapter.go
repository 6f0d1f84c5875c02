// Package logadapter is a worker adapter that logs deliveries. Useful for
// development workflows and wiring checks.
package logadapter

import (
	"context"
	"log/slog"

	"github.com/fluxway/fluxway/pkg/models"
	"github.com/fluxway/fluxway/pkg/protocol"
)

type Adapter struct {
	level  slog.Level
	logger *slog.Logger
}

func NewAdapter(config map[string]any, logger *slog.Logger) (*Adapter, error) {
	level := slog.LevelInfo

	if raw, ok := config["level"].(string); ok {
		switch raw {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	return &Adapter{level: level, logger: logger}, nil
}

func (a *Adapter) Deliver(ctx context.Context, msg *models.Message) (*protocol.Result, error) {
	a.logger.Log(ctx, a.level, "Message delivered",
		"topic", msg.Routing.Topic,
		"subject", msg.Payload.Subject,
		"action", msg.Payload.Action,
		"idempotency_key", msg.Metadata.IdempotencyKey,
	)

	return &protocol.Result{Output: map[string]any{"logged": true}}, nil
}

// Factory creates log adapters.
type Factory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: logger}
}

func (f *Factory) ID() string {
	return "log"
}

func (f *Factory) Create(config map[string]any) (protocol.WorkerAdapter, error) {
	return NewAdapter(config, f.logger)
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"level": map[string]any{
				"type": "string",
				"enum": []any{"debug", "info", "warn", "error"},
			},
		},
	}
}
