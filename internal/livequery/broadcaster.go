// ABOUTME: In-memory fan-out of saved objects to live-query subscribers
// ABOUTME: Subscribers register per class and receive the object with its prior state

package livequery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/docwrite/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event is one saved object.
type Event struct {
	Kind     string
	Object   store.Record
	Original store.Record // nil on create
}

// Broadcaster provides in-memory pub/sub of save events keyed by class.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // kind -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "livequery"),
	}
}

// Subscribe registers a subscriber for saves of kind. The subscription is
// removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, kind string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[kind]; !ok {
		b.subscribers[kind] = make(map[string]chan *Event)
	}
	b.subscribers[kind][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "class", kind, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(kind, subID)
	}()

	return ch, subID
}

// HasSubscribers reports whether anyone listens to kind.
func (b *Broadcaster) HasSubscribers(kind string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[kind]) > 0
}

// Publish delivers an event to every subscriber of event.Kind.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[event.Kind] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"class", event.Kind,
				"sub_id", subID,
				"object_id", event.Object.ObjectID())
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(kind, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[kind]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, kind)
	}
	b.logger.Debug("subscriber removed", "class", kind, "sub_id", subID)
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, kind)
	}
	b.logger.Debug("broadcaster closed")
}
