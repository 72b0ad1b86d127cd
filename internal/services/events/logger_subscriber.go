package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/models"
)

// StageEvent is the payload of EventStageUpdate
type StageEvent struct {
	PipelineID string
	Stage      *models.StageProgress
}

// PipelineEvent is the payload of the pipeline_* events
type PipelineEvent struct {
	Status *models.PipelineStatus
}

// NewLoggerSubscriber creates an event handler that logs pipeline and stage events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		switch payload := event.Payload.(type) {
		case StageEvent:
			if payload.Stage == nil {
				return nil
			}
			logEvent := logger.Debug().
				Str("event_type", string(event.Type)).
				Str("pipeline_id", payload.PipelineID).
				Str("stage", payload.Stage.Stage).
				Str("status", string(payload.Stage.Status)).
				Int("progress", payload.Stage.Progress)
			if payload.Stage.IsSkipped() {
				logEvent = logEvent.Bool("skipped", true)
			}
			if payload.Stage.Error != "" {
				logEvent = logEvent.Str("error", payload.Stage.Error)
			}
			logEvent.Msg("Stage updated")

		case PipelineEvent:
			if payload.Status == nil {
				return nil
			}
			status := payload.Status
			switch event.Type {
			case interfaces.EventPipelineComplete:
				logger.Info().
					Str("pipeline_id", status.ID).
					Dur("duration", status.Duration()).
					Msg("Pipeline completed")
			case interfaces.EventPipelineError:
				logger.Error().
					Str("pipeline_id", status.ID).
					Str("error", status.Error).
					Bool("cancelled", status.Cancelled).
					Msg("Pipeline failed")
			case interfaces.EventPipelineStart:
				logger.Info().
					Str("pipeline_id", status.ID).
					Strs("stages", status.StageOrder).
					Msg("Pipeline started")
			default:
				logger.Debug().
					Str("event_type", string(event.Type)).
					Str("pipeline_id", status.ID).
					Str("status", string(status.Status)).
					Str("current_stage", status.CurrentStage).
					Msg("Pipeline updated")
			}

		default:
			logger.Debug().
				Str("event_type", string(event.Type)).
				Msg("Event published")
		}

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) (func(), error) {
	subscriber := NewLoggerSubscriber(logger)

	var unsubscribers []func()
	unsubscribeAll := func() {
		for _, u := range unsubscribers {
			u()
		}
	}

	for _, eventType := range interfaces.AllEventTypes {
		unsubscribe, err := eventService.Subscribe(eventType, subscriber)
		if err != nil {
			unsubscribeAll()
			return nil, fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
		unsubscribers = append(unsubscribers, unsubscribe)
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return unsubscribeAll, nil
}
