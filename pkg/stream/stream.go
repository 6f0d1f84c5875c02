// Package stream defines the durable, priority-partitioned log with
// consumer-group semantics that the message bus is built on.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Partition names one priority-specific append-only log.
type Partition string

// DeadLetterPartition holds messages that exhausted their retries.
const DeadLetterPartition Partition = "fluxway.dlq"

// GroupRegistryPartition records every consumer group ever subscribed, one
// record per group with the group name as the topic. Broadcast fan-out
// reads it so groups survive publisher restarts.
const GroupRegistryPartition Partition = "fluxway.groups"

// PriorityPartition maps a message priority (1..5) to its partition.
func PriorityPartition(priority int) Partition {
	return Partition(fmt.Sprintf("fluxway.p%d", priority))
}

// BroadcastPartition is the per-group partition that broadcast messages are
// fanned out onto at publish time.
func BroadcastPartition(group string) Partition {
	return Partition("fluxway.bcast." + group)
}

// Record is one immutable entry in a partition. ID is assigned on append,
// monotonically increasing within the partition.
type Record struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	AppendedAt time.Time `json:"appended_at"`
}

// PendingEntry describes one delivered-but-unacknowledged record of a
// consumer group.
type PendingEntry struct {
	RecordID      string    `json:"record_id"`
	Consumer      string    `json:"consumer"`
	DeliveredAt   time.Time `json:"delivered_at"`
	DeliveryCount int       `json:"delivery_count"`
}

// Store errors shared by every implementation.
var (
	// ErrStoreUnavailable indicates an append could not be made durable.
	// Callers must treat the publish as retryable, never as sent.
	ErrStoreUnavailable = errors.New("stream store unavailable")

	// ErrPartitionNotFound indicates a read from a partition that has
	// never been appended to.
	ErrPartitionNotFound = errors.New("partition not found")
)

// Store is the append-only partitioned log. Append returns only after the
// record is durable and never blocks on subscriber presence. Ack is
// idempotent: acking twice or acking an unknown id is a no-op.
type Store interface {
	Append(ctx context.Context, partition Partition, record Record) (string, error)

	// ReadGroup returns up to count never-delivered-to-this-group records
	// and adds them to the consumer's pending-entry list. When none are
	// available and block > 0, the call suspends cooperatively up to that
	// duration before returning empty.
	ReadGroup(ctx context.Context, partition Partition, group, consumer string, count int, block time.Duration) ([]Record, error)

	Ack(ctx context.Context, partition Partition, group, recordID string) error

	// Reclaim moves pending entries idle longer than minIdle to the given
	// consumer and returns them, enabling stale-work recovery after a
	// consumer crash.
	Reclaim(ctx context.Context, partition Partition, group, consumer string, minIdle time.Duration) ([]Record, error)

	// Pending lists the group's pending entries across all consumers.
	Pending(ctx context.Context, partition Partition, group string) ([]PendingEntry, error)

	// Scan reads up to count records from the head of the partition
	// without consumer-group bookkeeping. Operational inspection only.
	Scan(ctx context.Context, partition Partition, count int64) ([]Record, error)

	// Trim drops the oldest records once the partition exceeds maxLen.
	// The trim is approximate; retained records are never reordered.
	Trim(ctx context.Context, partition Partition, maxLen int64) error

	HealthCheck(ctx context.Context) error
	Close() error
}
