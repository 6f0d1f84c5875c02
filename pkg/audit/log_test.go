package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxway/fluxway/pkg/events"
)

func publishedEvent(agentID string) events.MessagePublished {
	return events.MessagePublished{
		BaseEvent: events.NewBaseEvent(events.MessagePublishedEvent, agentID),
		MessageID: "1-0",
		Topic:     "orders.created",
		Priority:  3,
	}
}

func TestLog_AppendAndQuery(t *testing.T) {
	log := NewLog(0)

	log.Append(publishedEvent("agent-a"))
	log.Append(publishedEvent("agent-b"))
	log.Append(events.MessageAcked{
		BaseEvent: events.NewBaseEvent(events.MessageAckedEvent, "agent-a"),
		MessageID: "1-0",
		Group:     "g1",
		Consumer:  "c1",
	})

	entries, total := log.Query(Filter{})
	assert.Equal(t, 3, total)
	assert.Len(t, entries, 3)

	entries, total = log.Query(Filter{AgentID: "agent-a"})
	assert.Equal(t, 2, total)
	assert.Len(t, entries, 2)

	entries, total = log.Query(Filter{EventType: events.MessageAckedEvent})
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, events.MessageAckedEvent, entries[0].Type)
}

func TestLog_QueryPagination(t *testing.T) {
	log := NewLog(0)

	for range 10 {
		log.Append(publishedEvent("agent-a"))
	}

	entries, total := log.Query(Filter{Limit: 3})
	assert.Equal(t, 10, total)
	assert.Len(t, entries, 3)

	entries, total = log.Query(Filter{Offset: 8})
	assert.Equal(t, 10, total)
	assert.Len(t, entries, 2)

	entries, total = log.Query(Filter{Offset: 50})
	assert.Equal(t, 10, total)
	assert.Empty(t, entries)
}

func TestLog_QueryTimeWindow(t *testing.T) {
	log := NewLog(0)

	log.Append(publishedEvent("agent-a"))

	cutoff := time.Now().UTC().Add(time.Minute)

	entries, _ := log.Query(Filter{From: cutoff})
	assert.Empty(t, entries)

	entries, _ = log.Query(Filter{To: cutoff})
	assert.Len(t, entries, 1)
}

func TestLog_RetentionEvictsOldest(t *testing.T) {
	log := NewLog(5)

	for range 8 {
		log.Append(publishedEvent("agent-a"))
	}

	assert.Equal(t, 5, log.Len())
}
