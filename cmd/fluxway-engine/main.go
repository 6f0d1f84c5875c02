// fluxway-engine runs the workflow engine: it consumes the message bus,
// advances workflow instances and serves the durable timer service.
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/fluxway/fluxway/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "fluxway-engine",
		EnableShellCompletion: true,
		Usage:                 "Start the workflow engine",
		Commands: []*cli.Command{
			NewValidateCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent-id",
				Aliases: []string{"id"},
				Usage:   "Custom agent ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("AGENT_ID"),
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
			&cli.IntFlag{
				Name:    "api-port",
				Usage:   "Port for the admin API (0 disables it)",
				Value:   0,
				Sources: cli.EnvVars("API_PORT"),
			},
			&cli.IntFlag{
				Name:    "audit-retention",
				Usage:   "Maximum number of audit entries kept in memory",
				Value:   0,
				Sources: cli.EnvVars("AUDIT_RETENTION"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing (exports via OTLP HTTP)",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
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

			agentID := command.String("agent-id")
			if agentID == "" {
				agentID = "engine-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("fluxway-engine").With("agent_id", agentID)

			logger.InfoContext(ctx, "Initializing Fluxway Engine")

			manager, err := NewEngineManager(ctx, agentID, command, logger)
			if err != nil {
				return err
			}

			return manager.Start(ctx)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
