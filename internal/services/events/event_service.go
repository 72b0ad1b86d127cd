package events

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tokensmith/internal/interfaces"
)

type subscription struct {
	id      uint64
	handler interfaces.EventHandler
}

// Service implements EventService interface with pub/sub pattern.
// Each owner constructs its own Service; there is no process-wide bus.
type Service struct {
	subscribers map[interfaces.EventType][]subscription
	nextID      uint64
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[interfaces.EventType][]subscription),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subscribers[eventType] = append(s.subscribers[eventType], subscription{id: id, handler: handler})

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(eventType, id) })
	}, nil
}

func (s *Service) unsubscribe(eventType interfaces.EventType, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			// copy so that snapshots taken by in-flight publishes stay intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			s.subscribers[eventType] = next
			s.logger.Debug().
				Str("event_type", string(eventType)).
				Msg("Event handler unsubscribed")
			return
		}
	}
}

// SubscriberCount returns the number of handlers registered for an event type
func (s *Service) SubscriberCount(eventType interfaces.EventType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[eventType])
}

func (s *Service) handlers(eventType interfaces.EventType) []subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[eventType]
}

// PublishSync sends an event to all subscribers in subscription order and waits for them.
// Every handler runs even if an earlier one fails.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	subs := s.handlers(event.Type)
	if len(subs) == 0 {
		return nil
	}

	var failed int
	for _, sub := range subs {
		if err := s.invoke(ctx, sub.handler, event); err != nil {
			failed++
			s.logger.Error().
				Err(err).
				Str("event_type", string(event.Type)).
				Msg("Event handler failed")
		}
	}

	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}

	return nil
}

// invoke runs one handler, converting a panic into an error
func (s *Service) invoke(ctx context.Context, h interfaces.EventHandler, event interfaces.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error().
				Str("event_type", string(event.Type)).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Msg("Recovered from panic in event handler")
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h(ctx, event)
}

// Close shuts down the event service
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]subscription)
	s.logger.Debug().Msg("Event service closed")

	return nil
}
