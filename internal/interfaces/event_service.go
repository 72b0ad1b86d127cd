package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventPipelineStart is published when a pipeline run is registered
	EventPipelineStart EventType = "pipeline_start"
	// EventPipelineUpdate is published after any change to a pipeline run
	EventPipelineUpdate EventType = "pipeline_update"
	// EventPipelineComplete is published once every stage of a run has completed
	EventPipelineComplete EventType = "pipeline_complete"
	// EventPipelineError is published when a stage fails or the run is cancelled
	EventPipelineError EventType = "pipeline_error"
	// EventStageUpdate is published after every stage progress change
	EventStageUpdate EventType = "stage_update"
)

// AllEventTypes lists every event type published by the monitor
var AllEventTypes = []EventType{
	EventPipelineStart,
	EventPipelineUpdate,
	EventPipelineComplete,
	EventPipelineError,
	EventStageUpdate,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages a pub/sub event bus scoped to its owner
type EventService interface {
	// Subscribe to an event type. The returned func removes the subscription.
	Subscribe(eventType EventType, handler EventHandler) (func(), error)

	// PublishSync publishes event and waits for all handlers to complete, in subscription order
	PublishSync(ctx context.Context, event Event) error

	// Close removes all subscribers
	Close() error
}
