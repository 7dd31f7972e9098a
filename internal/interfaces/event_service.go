package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventJobCreated      EventType = "job_created"
	EventJobStateChanged EventType = "job_state_changed"
	EventCaptchaWaiting  EventType = "captcha_waiting"
	EventJobCompleted    EventType = "job_completed"
	EventJobFailed       EventType = "job_failed"
)

// AllJobEvents lists every event type emitted for job lifecycle changes
var AllJobEvents = []EventType{
	EventJobCreated,
	EventJobStateChanged,
	EventCaptchaWaiting,
	EventJobCompleted,
	EventJobFailed,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type. The returned id is used to unsubscribe.
	Subscribe(eventType EventType, handler EventHandler) (string, error)

	// Unsubscribe removes the handler registered under id
	Unsubscribe(eventType EventType, id string) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
