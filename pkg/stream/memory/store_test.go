package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxway/fluxway/pkg/stream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func appendRecord(t *testing.T, store *Store, partition stream.Partition, topic string) string {
	t.Helper()

	id, err := store.Append(context.Background(), partition, stream.Record{
		Topic:   topic,
		Payload: []byte(`{"n":1}`),
	})
	require.NoError(t, err)

	return id
}

func TestAppend_AssignsMonotonicIDs(t *testing.T) {
	store := newTestStore(t)
	partition := stream.PriorityPartition(3)

	first := appendRecord(t, store, partition, "orders.created")
	second := appendRecord(t, store, partition, "orders.created")

	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.Greater(t, parseSeq(second), parseSeq(first))
}

func TestReadGroup_DeliversEachRecordOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	partition := stream.PriorityPartition(3)

	appendRecord(t, store, partition, "a")
	appendRecord(t, store, partition, "b")

	records, err := store.ReadGroup(ctx, partition, "g1", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Same group sees nothing new until more records arrive.
	records, err = store.ReadGroup(ctx, partition, "g1", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	// A different group gets its own cursor.
	records, err = store.ReadGroup(ctx, partition, "g2", "c1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestReadGroup_BlocksUntilAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	partition := stream.PriorityPartition(5)

	done := make(chan []stream.Record, 1)

	go func() {
		records, err := store.ReadGroup(ctx, partition, "g1", "c1", 1, 2*time.Second)
		if err != nil {
			done <- nil

			return
		}

		done <- records
	}()

	time.Sleep(50 * time.Millisecond)
	appendRecord(t, store, partition, "wakeup")

	select {
	case records := <-done:
		require.Len(t, records, 1)
		assert.Equal(t, "wakeup", records[0].Topic)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked read never woke up")
	}
}

func TestAck_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	partition := stream.PriorityPartition(3)

	id := appendRecord(t, store, partition, "a")

	_, err := store.ReadGroup(ctx, partition, "g1", "c1", 1, 0)
	require.NoError(t, err)

	require.NoError(t, store.Ack(ctx, partition, "g1", id))
	require.NoError(t, store.Ack(ctx, partition, "g1", id))
	require.NoError(t, store.Ack(ctx, partition, "g1", "0-999"))

	pending, err := store.Pending(ctx, partition, "g1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPending_TracksDeliveryCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	partition := stream.PriorityPartition(2)

	id := appendRecord(t, store, partition, "a")

	_, err := store.ReadGroup(ctx, partition, "g1", "c1", 1, 0)
	require.NoError(t, err)

	pending, err := store.Pending(ctx, partition, "g1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].RecordID)
	assert.Equal(t, "c1", pending[0].Consumer)
	assert.Equal(t, 1, pending[0].DeliveryCount)
}

func TestReclaim_MovesStalePendingEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	partition := stream.PriorityPartition(3)

	id := appendRecord(t, store, partition, "a")

	_, err := store.ReadGroup(ctx, partition, "g1", "c1", 1, 0)
	require.NoError(t, err)

	// Entries newer than minIdle stay with their consumer.
	records, err := store.Reclaim(ctx, partition, "g1", "c2", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = store.Reclaim(ctx, partition, "g1", "c2", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)

	pending, err := store.Pending(ctx, partition, "g1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].Consumer)
	assert.Equal(t, 2, pending[0].DeliveryCount)
}

func TestScan_ReadsWithoutGroupBookkeeping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	partition := stream.PriorityPartition(1)

	appendRecord(t, store, partition, "a")
	appendRecord(t, store, partition, "b")

	records, err := store.Scan(ctx, partition, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// Scanning does not advance any group cursor.
	records, err = store.ReadGroup(ctx, partition, "g1", "c1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestPending_UnknownPartition(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Pending(context.Background(), stream.Partition("fluxway.nope"), "g1")
	assert.ErrorIs(t, err, stream.ErrPartitionNotFound)
}

func TestTrim_DropsOldestRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	partition := stream.PriorityPartition(3)

	for range 5 {
		appendRecord(t, store, partition, "a")
	}

	require.NoError(t, store.Trim(ctx, partition, 2))

	records, err := store.Scan(ctx, partition, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// The retained records are the newest, still in order.
	assert.Less(t, parseSeq(records[0].ID), parseSeq(records[1].ID))
}

func TestWALRecovery_RestoresRecordsAndGroupState(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	partition := stream.PriorityPartition(4)

	store, err := NewStore(dir, logger)
	require.NoError(t, err)

	firstID, err := store.Append(ctx, partition, stream.Record{Topic: "a", Payload: []byte("{}")})
	require.NoError(t, err)

	_, err = store.Append(ctx, partition, stream.Record{Topic: "b", Payload: []byte("{}")})
	require.NoError(t, err)

	_, err = store.ReadGroup(ctx, partition, "g1", "c1", 2, 0)
	require.NoError(t, err)
	require.NoError(t, store.Ack(ctx, partition, "g1", firstID))
	require.NoError(t, store.Close())

	reopened, err := NewStore(dir, logger)
	require.NoError(t, err)

	defer func() {
		_ = reopened.Close()
	}()

	records, err := reopened.Scan(ctx, partition, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// The unacked delivery survives the restart.
	pending, err := reopened.Pending(ctx, partition, "g1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, firstID, pending[0].RecordID)

	// The group cursor survives too: no redelivery of consumed records.
	newRecords, err := reopened.ReadGroup(ctx, partition, "g1", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, newRecords)
}
