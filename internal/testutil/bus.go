package testutil

import (
	"context"
	"sync"

	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

// Compile-time interface check.
var _ events.EventBus = (*MockBus)(nil)

// MockBus is a thread-safe in-memory event bus that records all published
// events for later inspection.
type MockBus struct {
	mu     sync.Mutex
	events []events.Event
}

// NewMockBus returns a new MockBus.
func NewMockBus() *MockBus {
	return &MockBus{}
}

// Publish records an event synchronously.
func (b *MockBus) Publish(_ context.Context, event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

// PublishAsync records an event (same as Publish in tests).
func (b *MockBus) PublishAsync(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Subscribe is a no-op that returns a no-op unsubscribe function.
func (b *MockBus) Subscribe(_ string, _ events.EventHandler) func() {
	return func() {}
}

// SubscribeAll is a no-op that returns a no-op unsubscribe function.
func (b *MockBus) SubscribeAll(_ events.EventHandler) func() {
	return func() {}
}

// Events returns a copy of all recorded events.
func (b *MockBus) Events() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Reset clears all recorded events.
func (b *MockBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
}

// States returns the connector states published so far, in order.
func (b *MockBus) States() []models.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.State
	for _, e := range b.events {
		if sc, ok := e.Payload.(events.StateChange); ok {
			out = append(out, sc.State)
		}
	}
	return out
}

// StateChanges returns the state change payloads published so far.
func (b *MockBus) StateChanges() []events.StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.StateChange
	for _, e := range b.events {
		if sc, ok := e.Payload.(events.StateChange); ok {
			out = append(out, sc)
		}
	}
	return out
}

// Topic returns the recorded events with the given topic.
func (b *MockBus) Topic(topic string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
