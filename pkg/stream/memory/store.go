// Package memory provides the embedded stream store implementation: an
// in-process partitioned log with consumer groups, durable through a
// JSON-lines write-ahead log. It serves tests and single-node
// deployments; the redis implementation is the clustered path.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxway/fluxway/pkg/stream"
)

type pelEntry struct {
	Consumer      string    `json:"consumer"`
	DeliveredAt   time.Time `json:"delivered_at"`
	DeliveryCount int       `json:"delivery_count"`
}

type group struct {
	// CursorSeq is the highest sequence ever delivered to this group.
	CursorSeq int64                `json:"cursor_seq"`
	PEL       map[string]*pelEntry `json:"pel"`
}

type partition struct {
	records []stream.Record
	seq     int64
	groups  map[string]*group
	waiters []chan struct{}
}

// Store implements stream.Store in process memory backed by a WAL.
type Store struct {
	mu         sync.Mutex
	partitions map[stream.Partition]*partition
	wal        *walFile
	logger     *slog.Logger
	closed     bool
}

// NewStore opens an in-memory store. With an empty dir the store is
// volatile; otherwise appends, deliveries and acks are replayed from the
// WAL on open so consumer-group cursors survive restarts.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		partitions: make(map[stream.Partition]*partition),
		logger:     logger.With("module", "stream_memory"),
	}

	if dir != "" {
		w, err := openWAL(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open stream WAL: %w", err)
		}

		s.wal = w

		err = w.replay(s.apply)
		if err != nil {
			return nil, fmt.Errorf("failed to replay stream WAL: %w", err)
		}
	}

	return s, nil
}

func parseSeq(recordID string) int64 {
	head, _, _ := strings.Cut(recordID, "-")

	seq, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}

	return seq
}

func (s *Store) partitionLocked(name stream.Partition) *partition {
	p, ok := s.partitions[name]
	if !ok {
		p = &partition{groups: make(map[string]*group)}
		s.partitions[name] = p
	}

	return p
}

func (p *partition) groupByName(name string) *group {
	g, ok := p.groups[name]
	if !ok {
		g = &group{PEL: make(map[string]*pelEntry)}
		p.groups[name] = g
	}

	return g
}

// apply replays one WAL entry into in-memory state. Used only during open.
func (s *Store) apply(e walEntry) {
	p := s.partitionLocked(e.Partition)

	switch e.Op {
	case opAppend:
		p.records = append(p.records, *e.Record)
		p.seq = parseSeq(e.Record.ID)
	case opDeliver:
		g := p.groupByName(e.Group)
		if seq := parseSeq(e.RecordID); seq > g.CursorSeq {
			g.CursorSeq = seq
		}

		g.PEL[e.RecordID] = &pelEntry{Consumer: e.Consumer, DeliveredAt: e.At, DeliveryCount: e.Count}
	case opAck:
		delete(p.groupByName(e.Group).PEL, e.RecordID)
	case opTrim:
		kept := p.records[:0]
		for _, r := range p.records {
			if parseSeq(r.ID) >= e.BelowSeq {
				kept = append(kept, r)
			}
		}

		p.records = kept
	}
}

func (s *Store) Append(ctx context.Context, name stream.Partition, record stream.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", stream.ErrStoreUnavailable
	}

	p := s.partitionLocked(name)
	p.seq++
	record.ID = fmt.Sprintf("%d-0", p.seq)

	if record.AppendedAt.IsZero() {
		record.AppendedAt = time.Now().UTC()
	}

	if s.wal != nil {
		err := s.wal.write(walEntry{Op: opAppend, Partition: name, Record: &record})
		if err != nil {
			// The record was not made durable: the append fails and the
			// sequence is rolled back so callers can retry.
			p.seq--

			return "", fmt.Errorf("%w: %w", stream.ErrStoreUnavailable, err)
		}
	}

	p.records = append(p.records, record)

	for _, w := range p.waiters {
		close(w)
	}

	p.waiters = nil

	return record.ID, nil
}

func (s *Store) ReadGroup(ctx context.Context, name stream.Partition, groupName, consumer string, count int, block time.Duration) ([]stream.Record, error) {
	deadline := time.Now().Add(block)

	for {
		records, waiter := s.readNew(name, groupName, consumer, count, block > 0)
		if len(records) > 0 || waiter == nil {
			return records, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-waiter:
			timer.Stop()
		}
	}
}

// readNew collects never-delivered records for the group. When none are
// ready and wait is set, it registers and returns a waiter channel that is
// closed on the next append.
func (s *Store) readNew(name stream.Partition, groupName, consumer string, count int, wait bool) ([]stream.Record, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil
	}

	p := s.partitionLocked(name)
	g := p.groupByName(groupName)

	var out []stream.Record

	now := time.Now().UTC()

	for _, record := range p.records {
		if len(out) >= count {
			break
		}

		seq := parseSeq(record.ID)
		if seq <= g.CursorSeq {
			continue
		}

		g.CursorSeq = seq
		g.PEL[record.ID] = &pelEntry{Consumer: consumer, DeliveredAt: now, DeliveryCount: 1}

		if s.wal != nil {
			_ = s.wal.write(walEntry{Op: opDeliver, Partition: name, Group: groupName, Consumer: consumer, RecordID: record.ID, At: now, Count: 1})
		}

		out = append(out, record)
	}

	if len(out) == 0 && wait {
		waiter := make(chan struct{})
		p.waiters = append(p.waiters, waiter)

		return nil, waiter
	}

	return out, nil
}

func (s *Store) Ack(ctx context.Context, name stream.Partition, groupName, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stream.ErrStoreUnavailable
	}

	p := s.partitionLocked(name)
	g := p.groupByName(groupName)

	if _, ok := g.PEL[recordID]; !ok {
		// Idempotent: acking twice or acking an unknown id is a no-op.
		return nil
	}

	delete(g.PEL, recordID)

	if s.wal != nil {
		_ = s.wal.write(walEntry{Op: opAck, Partition: name, Group: groupName, RecordID: recordID})
	}

	return nil
}

func (s *Store) Reclaim(ctx context.Context, name stream.Partition, groupName, consumer string, minIdle time.Duration) ([]stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, stream.ErrStoreUnavailable
	}

	p := s.partitionLocked(name)
	g := p.groupByName(groupName)

	now := time.Now().UTC()

	var ids []string

	for id, entry := range g.PEL {
		if now.Sub(entry.DeliveredAt) >= minIdle {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return parseSeq(ids[i]) < parseSeq(ids[j]) })

	var out []stream.Record

	for _, id := range ids {
		record, ok := p.recordByID(id)
		if !ok {
			// Trimmed out from under the PEL; nothing left to redeliver.
			delete(g.PEL, id)

			continue
		}

		entry := g.PEL[id]
		entry.Consumer = consumer
		entry.DeliveredAt = now
		entry.DeliveryCount++

		if s.wal != nil {
			_ = s.wal.write(walEntry{Op: opDeliver, Partition: name, Group: groupName, Consumer: consumer, RecordID: id, At: now, Count: entry.DeliveryCount})
		}

		out = append(out, record)
	}

	return out, nil
}

func (p *partition) recordByID(id string) (stream.Record, bool) {
	for _, record := range p.records {
		if record.ID == id {
			return record, true
		}
	}

	return stream.Record{}, false
}

func (s *Store) Pending(ctx context.Context, name stream.Partition, groupName string) ([]stream.PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, stream.ErrStoreUnavailable
	}

	p, ok := s.partitions[name]
	if !ok {
		return nil, stream.ErrPartitionNotFound
	}

	g := p.groupByName(groupName)

	out := make([]stream.PendingEntry, 0, len(g.PEL))
	for id, entry := range g.PEL {
		out = append(out, stream.PendingEntry{
			RecordID:      id,
			Consumer:      entry.Consumer,
			DeliveredAt:   entry.DeliveredAt,
			DeliveryCount: entry.DeliveryCount,
		})
	}

	sort.Slice(out, func(i, j int) bool { return parseSeq(out[i].RecordID) < parseSeq(out[j].RecordID) })

	return out, nil
}

func (s *Store) Scan(ctx context.Context, name stream.Partition, count int64) ([]stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, stream.ErrStoreUnavailable
	}

	p, ok := s.partitions[name]
	if !ok {
		return nil, nil
	}

	n := int64(len(p.records))
	if count > 0 && count < n {
		n = count
	}

	out := make([]stream.Record, n)
	copy(out, p.records[:n])

	return out, nil
}

func (s *Store) Trim(ctx context.Context, name stream.Partition, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stream.ErrStoreUnavailable
	}

	p := s.partitionLocked(name)
	if int64(len(p.records)) <= maxLen {
		return nil
	}

	drop := int64(len(p.records)) - maxLen
	belowSeq := parseSeq(p.records[drop].ID)
	p.records = append([]stream.Record(nil), p.records[drop:]...)

	if s.wal != nil {
		_ = s.wal.write(walEntry{Op: opTrim, Partition: name, BelowSeq: belowSeq})
	}

	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stream.ErrStoreUnavailable
	}

	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	for _, p := range s.partitions {
		for _, w := range p.waiters {
			close(w)
		}

		p.waiters = nil
	}

	if s.wal != nil {
		err := s.wal.close()
		if err != nil && !errors.Is(err, errWALClosed) {
			return err
		}
	}

	return nil
}
