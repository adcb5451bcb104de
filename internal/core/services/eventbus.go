package services

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeProgress EventType = "progress"
	EventTypeLog      EventType = "log"
)

// Event is one observable change, scoped to a job or worker id.
type Event struct {
	Scope     string    `json:"scope"`
	Type      EventType `json:"type"`
	Data      string    `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

// EventBus fans job/worker events out to UI subscribers. Publishing never
// blocks: a slow subscriber drops events rather than stalling the processor.
type EventBus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]chan Event
	all  []chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for one scope and an
// unsubscribe func that closes it.
func (b *EventBus) Subscribe(scope string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subs[scope] = append(b.subs[scope], ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subscribers := b.subs[scope]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[scope] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[scope]) == 0 {
			delete(b.subs, scope)
		}
	}
}

// SubscribeAll returns a channel receiving every event regardless of scope.
func (b *EventBus) SubscribeAll() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	b.all = append(b.all, ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.all {
			if sub == ch {
				close(ch)
				b.all = append(b.all[:i], b.all[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to scope subscribers and firehose subscribers.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.Scope] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event subscriber full, dropping event", "scope", e.Scope, "type", e.Type)
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- e:
		default:
			b.logger.Warn("firehose subscriber full, dropping event", "scope", e.Scope, "type", e.Type)
		}
	}
}
