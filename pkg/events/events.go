// Package events defines the event envelope, topics and payloads exchanged
// between the robobridge engine and its consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/HerbHall/robobridge/pkg/models"
)

// Event topics.
const (
	TopicStateChanged   = "connector.state_changed"
	TopicSessionStarted = "agent.session_started"
	TopicSessionEnded   = "agent.session_ended"
	TopicRobotsDetected = "detect.robots_detected"
	TopicDetectionHelp  = "detect.help"
	TopicNAORemoved     = "detect.nao_removed"
	TopicIDTableErrors  = "arduino.id_table_errors"
	TopicSerialData     = "serial.data"
	TopicSerialStopped  = "serial.stopped"
	TopicAddressChanged = "agent.server_address_changed"
)

// Event is a message delivered on the bus.
type Event struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// EventHandler receives events. Handlers run on the publisher's goroutine.
type EventHandler func(ctx context.Context, e Event)

// EventBus delivers events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, e Event) error
	PublishAsync(ctx context.Context, e Event)
	// Subscribe registers a handler for one topic and returns its unsubscribe func.
	Subscribe(topic string, h EventHandler) func()
	SubscribeAll(h EventHandler) func()
}

// StateChange is the payload of TopicStateChanged.
type StateChange struct {
	Session       uuid.UUID    `json:"session"`
	Robot         models.Robot `json:"-"`
	State         models.State `json:"state"`
	Token         string       `json:"token,omitempty"`
	ServerAddress string       `json:"server_address"`
}

// Session is the payload of the session start and end topics.
type Session struct {
	ID    uuid.UUID    `json:"id"`
	Robot models.Robot `json:"-"`
	Err   string       `json:"error,omitempty"`
}

// RobotsDetected is the payload of TopicRobotsDetected.
type RobotsDetected struct {
	Robots []models.Robot `json:"-"`
}

// SerialData carries a chunk of bytes read from a serial port.
type SerialData struct {
	Port string `json:"port"`
	Data []byte `json:"data"`
}

// SerialStopped is the payload of TopicSerialStopped.
type SerialStopped struct {
	Port string `json:"port"`
	Err  string `json:"error,omitempty"`
}

// IDTableError describes one rejected line of the Arduino ID table.
type IDTableError struct {
	Line int    `json:"line"`
	Kind string `json:"kind"`
}

// IDTableErrors is the payload of TopicIDTableErrors.
type IDTableErrors struct {
	Path   string         `json:"path"`
	Errors []IDTableError `json:"errors"`
}

// AddressChanged is the payload of TopicAddressChanged.
type AddressChanged struct {
	Address string `json:"address"`
	Custom  bool   `json:"custom"`
}

// New builds an event stamped with the current time.
func New(topic, source string, payload any) Event {
	return Event{
		Topic:     topic,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
