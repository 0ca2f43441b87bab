// Package event implements the in-process event bus.
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/pkg/events"
)

// Compile-time interface check.
var _ events.EventBus = (*Bus)(nil)

type subscription struct {
	id      uint64
	handler events.EventHandler
}

// Bus delivers events synchronously to subscribers in registration order.
// Topic subscribers run before SubscribeAll subscribers. A panicking handler
// is logged and does not stop delivery to the rest.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	topics map[string][]subscription
	all    []subscription
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		topics: make(map[string][]subscription),
	}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic string, h events.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.topics[topic] = remove(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h events.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish delivers e to all matching handlers before returning.
func (b *Bus) Publish(ctx context.Context, e events.Event) error {
	for _, h := range b.handlers(e.Topic) {
		b.invoke(ctx, h, e)
	}
	return nil
}

// PublishAsync delivers e on a new goroutine. Ordering across calls is not
// guaranteed.
func (b *Bus) PublishAsync(ctx context.Context, e events.Event) {
	handlers := b.handlers(e.Topic)
	if len(handlers) == 0 {
		return
	}
	go func() {
		for _, h := range handlers {
			b.invoke(ctx, h, e)
		}
	}()
}

// handlers snapshots the subscriber list so handlers may (un)subscribe
// while being called.
func (b *Bus) handlers(topic string) []events.EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]events.EventHandler, 0, len(b.topics[topic])+len(b.all))
	for _, s := range b.topics[topic] {
		out = append(out, s.handler)
	}
	for _, s := range b.all {
		out = append(out, s.handler)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, h events.EventHandler, e events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.String("source", e.Source),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
