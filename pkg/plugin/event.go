package plugin

import (
	"context"
	"time"
)

// Event is a message carried by the EventBus.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler receives events from the bus.
type EventHandler func(ctx context.Context, event Event)

// EventBus delivers events between modules and to outbound sinks.
type EventBus interface {
	// Publish delivers the event to every matching handler before returning.
	Publish(ctx context.Context, event Event) error
	// PublishAsync delivers the event on a separate goroutine.
	PublishAsync(ctx context.Context, event Event)
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
	SubscribeAll(handler EventHandler) (unsubscribe func())
}
