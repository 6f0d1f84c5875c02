// Package audit provides the asynchronous audit trail: a sink consuming
// the bus's lifecycle event topic into an independently-retained log with
// a read-only query interface.
//
// Audit writes never block the publishing path. When the sink cannot keep
// up, events are dropped and counted; audit loss is tolerated, operational
// message loss is not.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fluxway/fluxway/pkg/events"
)

const defaultBufferSize = 1024

// Sink consumes the audit topic into a Log.
type Sink struct {
	subscriber message.Subscriber
	log        *Log
	logger     *slog.Logger

	intake  chan events.Event
	dropped atomic.Int64

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewSink builds a sink over the given subscriber. bufferSize bounds the
// in-memory intake queue; zero uses the default.
func NewSink(subscriber message.Subscriber, log *Log, logger *slog.Logger, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	return &Sink{
		subscriber: subscriber,
		log:        log,
		logger:     logger.With("module", "audit_sink"),
		intake:     make(chan events.Event, bufferSize),
	}
}

// Start subscribes to the audit topic and begins draining events into the
// log. It returns immediately; consumption runs until ctx is cancelled.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	messages, err := s.subscriber.Subscribe(ctx, events.AuditTopic)
	if err != nil {
		return err
	}

	s.started = true

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for msg := range messages {
			s.ingest(msg)
			// Always acked: a full intake buffer drops the event rather
			// than backing pressure up into the bus.
			msg.Ack()
		}

		close(s.intake)
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for event := range s.intake {
			s.log.Append(event)
		}
	}()

	return nil
}

func (s *Sink) ingest(msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	event, err := events.Decode(eventType, msg.Payload)
	if err != nil {
		s.logger.Error("Failed to decode audit event", "error", err)

		return
	}

	select {
	case s.intake <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to intake overflow.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Wait blocks until the sink has drained after its subscription closed.
func (s *Sink) Wait() {
	s.wg.Wait()
}
