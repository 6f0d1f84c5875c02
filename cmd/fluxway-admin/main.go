// fluxway-admin serves the admin API standalone, against the same stream
// store and database an engine uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/fluxway/fluxway/pkg/bus"
	"github.com/fluxway/fluxway/pkg/cmd"
	"github.com/fluxway/fluxway/pkg/log"
	"github.com/fluxway/fluxway/pkg/web"
)

func main() {
	command := &cli.Command{
		Name:                  "fluxway-admin",
		EnableShellCompletion: true,
		Usage:                 "Start the admin API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   9091,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "stream-url",
				Usage:    "Stream store URL (redis://host:port/db or memory:///path)",
				Required: true,
				Sources:  cli.EnvVars("STREAM_URL"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("fluxway-admin")

			logger.InfoContext(ctx, "Initializing Fluxway Admin")

			store, err := cmd.NewStreamStore(ctx, command.String("stream-url"), logger)
			if err != nil {
				return fmt.Errorf("failed to create stream store: %w", err)
			}

			defer func() {
				if err := store.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close stream store", "error", err)
				}
			}()

			persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to create persistence: %w", err)
			}

			defer func() {
				if err := persist.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			messageBus := bus.NewBus(store, nil, logger, bus.Config{})

			canceller := NewMarkCanceller(persist)

			// No audit sink runs in this process, so the audit log is absent.
			handlers := web.NewHandlers(messageBus, persist, nil, canceller, logger)
			app := web.NewApp(handlers)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				sig := <-signals
				logger.Info("Received signal, shutting down gracefully", "signal", sig)

				if err := app.Shutdown(); err != nil {
					logger.Error("Failed to shut down admin API", "error", err)
				}

				cancel()
			}()

			addr := fmt.Sprintf(":%d", command.Int("port"))

			logger.InfoContext(runCtx, "Starting admin API", "addr", addr)

			return app.Listen(addr)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
