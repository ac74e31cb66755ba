// Package realtime is the in-process change feed. Writers publish row changes after commit and
// subscribers receive the ones matching their filter.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
)

const defaultBufferSize = 16

// Op is the row operation that produced an event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Tables published on the feed.
const (
	TableMessages          = "messages"
	TableMessageReactions  = "message_reactions"
	TableTypingIndicators  = "typing_indicators"
	TableParticipants      = "conversation_participants"
	TableCrewConnections   = "crew_connections"
	ColumnConversationID   = "conversation_id"
	ColumnUserID           = "user_id"
	ColumnMessageID        = "message_id"
	ColumnRecordIdentifier = "id"
)

// ChangeEvent describes one committed row change. Columns holds the filterable column values
// and Record the row as the writer saw it.
type ChangeEvent struct {
	Table     string
	Op        Op
	Columns   map[string]string
	Record    any
	Timestamp time.Time
}

// Filter selects events. Empty Op or Column match everything.
type Filter struct {
	Table  string
	Op     Op
	Column string
	Value  string
}

func (f Filter) matches(event ChangeEvent) bool {
	if f.Table != event.Table {
		return false
	}
	if f.Op != "" && f.Op != event.Op {
		return false
	}
	if f.Column != "" && event.Columns[f.Column] != f.Value {
		return false
	}
	return true
}

// Feed fans events out to subscribers without blocking the publisher.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	metrics     *metrics.Recorder
}

type subscriber struct {
	id     int64
	filter Filter
	stream chan ChangeEvent
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	BufferSize int
	Metrics    *metrics.Recorder
}

// NewFeed constructs an empty feed.
func NewFeed(cfg FeedConfig) *Feed {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Feed{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		metrics:     cfg.Metrics,
	}
}

// Subscribe registers a subscriber until ctx is done or the returned cleanup runs.
func (f *Feed) Subscribe(ctx context.Context, filter Filter) (<-chan ChangeEvent, func()) {
	if f == nil || filter.Table == "" {
		ch := make(chan ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		filter: filter,
		stream: make(chan ChangeEvent, f.bufferSize),
	}
	f.register(sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.unregister(filter.Table, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every matching subscriber. Full subscriber buffers drop it.
func (f *Feed) Publish(event ChangeEvent) {
	if f == nil || event.Table == "" || event.Op == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	f.mu.RLock()
	subscribers := f.subscribers[event.Table]
	matched := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		if sub.filter.matches(event) {
			matched = append(matched, sub)
		}
	}
	f.mu.RUnlock()
	for _, sub := range matched {
		select {
		case sub.stream <- event:
			f.metrics.RealtimeEvent("delivered")
		default:
			f.metrics.RealtimeEvent("dropped")
		}
	}
}

// SubscriberCount reports the live subscribers on a table.
func (f *Feed) SubscriberCount(table string) int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers[table])
}

func (f *Feed) register(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub.id = f.nextID
	table := sub.filter.Table
	if _, ok := f.subscribers[table]; !ok {
		f.subscribers[table] = make(map[int64]*subscriber)
	}
	f.subscribers[table][sub.id] = sub
}

func (f *Feed) unregister(table string, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[table]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, table)
		}
	}
	f.mu.Unlock()
}
