// Package redis provides the Redis Streams implementation of the stream
// store: one stream key per priority partition, consumer groups with
// pending-entry lists, XAUTOCLAIM-based reclaim and approximate trimming.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/fluxway/fluxway/pkg/stream"
)

const connectTimeout = 5 * time.Second

// Store implements stream.Store on Redis Streams.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]struct{} // "<partition>/<group>" already created
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Store, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", addr, "db", db)

	return &Store{
		client: client,
		logger: logger.With("module", "stream_redis"),
		groups: make(map[string]struct{}),
	}, nil
}

func (s *Store) Append(ctx context.Context, partition stream.Partition, record stream.Record) (string, error) {
	if record.AppendedAt.IsZero() {
		record.AppendedAt = time.Now().UTC()
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(partition),
		Values: map[string]any{
			"topic":       record.Topic,
			"payload":     string(record.Payload),
			"appended_at": record.AppendedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %w", stream.ErrStoreUnavailable, err)
	}

	return id, nil
}

// ensureGroup creates the consumer group at the stream head once per
// process. Group state itself lives in Redis and survives restarts.
func (s *Store) ensureGroup(ctx context.Context, partition stream.Partition, group string) error {
	key := string(partition) + "/" + group

	s.mu.Lock()
	_, done := s.groups[key]
	s.mu.Unlock()

	if done {
		return nil
	}

	err := s.client.XGroupCreateMkStream(ctx, string(partition), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, partition, err)
	}

	s.mu.Lock()
	s.groups[key] = struct{}{}
	s.mu.Unlock()

	return nil
}

func (s *Store) ReadGroup(ctx context.Context, partition stream.Partition, group, consumer string, count int, block time.Duration) ([]stream.Record, error) {
	err := s.ensureGroup(ctx, partition, group)
	if err != nil {
		return nil, err
	}

	if block <= 0 {
		// go-redis blocks forever on 0; use -1 worth of immediate return
		// by passing a negative block, which XREADGROUP treats as no block.
		block = -1
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{string(partition), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read group %s on %s: %w", group, partition, err)
	}

	var out []stream.Record

	for _, str := range res {
		for _, msg := range str.Messages {
			out = append(out, recordFromMessage(msg))
		}
	}

	return out, nil
}

func recordFromMessage(msg redis.XMessage) stream.Record {
	record := stream.Record{ID: msg.ID}

	if topic, ok := msg.Values["topic"].(string); ok {
		record.Topic = topic
	}

	if payload, ok := msg.Values["payload"].(string); ok {
		record.Payload = []byte(payload)
	}

	if at, ok := msg.Values["appended_at"].(string); ok {
		record.AppendedAt, _ = time.Parse(time.RFC3339Nano, at)
	}

	return record
}

func (s *Store) Ack(ctx context.Context, partition stream.Partition, group, recordID string) error {
	// XACK of an unknown or already-acked id returns 0, not an error,
	// which matches the idempotent contract.
	err := s.client.XAck(ctx, string(partition), group, recordID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", recordID, partition, err)
	}

	return nil
}

func (s *Store) Reclaim(ctx context.Context, partition stream.Partition, group, consumer string, minIdle time.Duration) ([]stream.Record, error) {
	err := s.ensureGroup(ctx, partition, group)
	if err != nil {
		return nil, err
	}

	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   string(partition),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to reclaim on %s: %w", partition, err)
	}

	out := make([]stream.Record, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, recordFromMessage(msg))
	}

	return out, nil
}

func (s *Store) Pending(ctx context.Context, partition stream.Partition, group string) ([]stream.PendingEntry, error) {
	err := s.ensureGroup(ctx, partition, group)
	if err != nil {
		return nil, err
	}

	entries, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(partition),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list pending on %s: %w", partition, err)
	}

	now := time.Now().UTC()

	out := make([]stream.PendingEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, stream.PendingEntry{
			RecordID:      entry.ID,
			Consumer:      entry.Consumer,
			DeliveredAt:   now.Add(-entry.Idle),
			DeliveryCount: int(entry.RetryCount),
		})
	}

	return out, nil
}

func (s *Store) Scan(ctx context.Context, partition stream.Partition, count int64) ([]stream.Record, error) {
	msgs, err := s.client.XRangeN(ctx, string(partition), "-", "+", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan %s: %w", partition, err)
	}

	out := make([]stream.Record, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, recordFromMessage(msg))
	}

	return out, nil
}

func (s *Store) Trim(ctx context.Context, partition stream.Partition, maxLen int64) error {
	err := s.client.XTrimMaxLenApprox(ctx, string(partition), maxLen, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to trim %s: %w", partition, err)
	}

	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("%w: %w", stream.ErrStoreUnavailable, err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
