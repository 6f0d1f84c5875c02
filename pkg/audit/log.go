package audit

import (
	"sync"
	"time"

	"github.com/fluxway/fluxway/pkg/events"
)

const defaultRetention = 100_000

// Entry is one retained audit record.
type Entry struct {
	ID        string           `json:"id"`
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	AgentID   string           `json:"agent_id,omitempty"`
	Event     events.Event     `json:"event"`
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	AgentID   string
	EventType events.EventType
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// Log is the audit trail store: an append-only ring retaining the most
// recent entries, independent of the stream store's operational retention.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	retention int
}

// NewLog builds a log retaining up to retention entries; zero uses the
// default.
func NewLog(retention int) *Log {
	if retention <= 0 {
		retention = defaultRetention
	}

	return &Log{retention: retention}
}

// Append records one event, evicting the oldest entries past retention.
func (l *Log) Append(event events.Event) {
	base := event.GetBase()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		ID:        base.ID,
		Type:      event.GetType(),
		Timestamp: base.Timestamp,
		AgentID:   base.AgentID,
		Event:     event,
	})

	if len(l.entries) > l.retention {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.retention:]...)
	}
}

// Query returns matching entries in append order, applying pagination.
// The second result is the total match count before pagination.
func (l *Log) Query(filter Filter) ([]Entry, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []Entry

	for _, entry := range l.entries {
		if filter.AgentID != "" && entry.AgentID != filter.AgentID {
			continue
		}

		if filter.EventType != "" && entry.Type != filter.EventType {
			continue
		}

		if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
			continue
		}

		if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
			continue
		}

		matched = append(matched, entry)
	}

	total := len(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total
		}

		matched = matched[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	return matched, total
}

// Len reports the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.entries)
}
