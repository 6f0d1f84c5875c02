package cmd

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewAuditChannel builds the in-process pub/sub carrying lifecycle events
// from the bus and engine to the audit sink. The channel is fire and
// forget: a slow or absent sink never blocks publishers.
func NewAuditChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NewSlogLogger(logger))
}
