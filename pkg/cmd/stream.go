// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fluxway/fluxway/pkg/stream"
	"github.com/fluxway/fluxway/pkg/stream/memory"
	redisstream "github.com/fluxway/fluxway/pkg/stream/redis"
)

// NewStreamStore builds the stream store named by streamURL.
//
// Supported schemes:
//
//	redis://[:password@]host:port/db
//	memory:///path/to/wal-dir
//
// A bare path is treated as a memory store directory.
func NewStreamStore(ctx context.Context, streamURL string, logger *slog.Logger) (stream.Store, error) {
	provider, rest := splitProviderURL(streamURL)

	switch provider {
	case "redis", "rediss":
		opts, err := goredis.ParseURL(streamURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}

		return redisstream.NewStore(ctx, opts.Addr, opts.Password, opts.DB, logger)
	case "memory", "file", "":
		return memory.NewStore(rest, logger)
	default:
		return nil, fmt.Errorf("unsupported stream store provider: %s", provider)
	}
}

func splitProviderURL(rawURL string) (provider, rest string) {
	parts := strings.SplitN(rawURL, "://", 2)
	if len(parts) == 1 {
		return "", parts[0]
	}

	return parts[0], parts[1]
}
