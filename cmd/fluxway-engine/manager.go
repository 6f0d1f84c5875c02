package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/fluxway/fluxway/pkg/audit"
	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/cmd"
	"github.com/fluxway/fluxway/pkg/engine"
	"github.com/fluxway/fluxway/pkg/otelhelper"
	"github.com/fluxway/fluxway/pkg/persistence"
	"github.com/fluxway/fluxway/pkg/stream"
	"github.com/fluxway/fluxway/pkg/web"
)

// EngineManager owns the engine process: stream store, bus, persistence,
// audit sink, the engine itself and the optional embedded admin API.
type EngineManager struct {
	agentID string
	logger  *slog.Logger

	store        stream.Store
	persistence  persistence.Persistence
	auditChannel *gochannel.GoChannel
	sink         *audit.Sink
	engine       *engine.Engine
	app          *fiber.App
	apiPort      int
}

func NewEngineManager(ctx context.Context, agentID string, command *cli.Command, logger *slog.Logger) (*EngineManager, error) {
	store, err := cmd.NewStreamStore(ctx, command.String("stream-url"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream store: %w", err)
	}

	persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to create persistence: %w", err)
	}

	auditChannel := cmd.NewAuditChannel(logger)
	auditLog := audit.NewLog(command.Int("audit-retention"))
	sink := audit.NewSink(auditChannel, auditLog, logger, 0)

	messageBus := bus.NewBus(store, auditChannel, logger, bus.Config{})

	registry := cmd.NewRegistry(logger)

	eng := engine.NewEngine(agentID, messageBus, persist, registry, auditChannel, logger, engine.Config{})

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "fluxway-engine")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		eng.SetTracer(tracer)
		messageBus.SetTracer(tracer)
	}

	manager := &EngineManager{
		agentID:      agentID,
		logger:       logger.With("module", "engine_manager"),
		store:        store,
		persistence:  persist,
		auditChannel: auditChannel,
		sink:         sink,
		engine:       eng,
		apiPort:      command.Int("api-port"),
	}

	if manager.apiPort > 0 {
		handlers := web.NewHandlers(messageBus, persist, auditLog, eng, logger)
		manager.app = web.NewApp(handlers)
	}

	return manager, nil
}

// Start runs the engine until the context is cancelled or a termination
// signal arrives.
func (m *EngineManager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.handleSignals(cancel)

	err := m.sink.Start(runCtx)
	if err != nil {
		return fmt.Errorf("failed to start audit sink: %w", err)
	}

	if m.app != nil {
		go func() {
			addr := fmt.Sprintf(":%d", m.apiPort)

			m.logger.InfoContext(runCtx, "Starting admin API", "addr", addr)

			err := m.app.Listen(addr)
			if err != nil {
				m.logger.ErrorContext(runCtx, "Admin API stopped", "error", err)
			}
		}()
	}

	err = m.engine.Run(runCtx)

	m.shutdown(ctx)

	return err
}

func (m *EngineManager) handleSignals(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		m.logger.Info("Received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()
}

func (m *EngineManager) shutdown(ctx context.Context) {
	if m.app != nil {
		err := m.app.Shutdown()
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to shut down admin API", "error", err)
		}
	}

	err := m.auditChannel.Close()
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to close audit channel", "error", err)
	}

	m.sink.Wait()

	err = m.persistence.Close(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}

	err = m.store.Close()
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to close stream store", "error", err)
	}
}
