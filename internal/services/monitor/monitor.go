// Package monitor tracks the status of pipeline runs and their stages and publishes
// change events to subscribers scoped to one Monitor instance.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/models"
	"github.com/ternarybob/tokensmith/internal/services/events"
)

var (
	// ErrNotFound is returned for operations on an unknown pipeline id
	ErrNotFound = errors.New("pipeline not found")
	// ErrNotActive is returned when cancelling a run that is already completed or failed
	ErrNotActive = errors.New("pipeline is not active")
)

// CancelledMessage is recorded as the pipeline error of a cancelled run
const CancelledMessage = "cancelled by user"

// StageUpdate is a partial update merged into a stage's progress record.
// Nil fields are left unchanged; Details keys are merged.
type StageUpdate struct {
	Status    *models.RunStatus
	Progress  *int
	StartTime *time.Time
	EndTime   *time.Time
	Error     *string
	ErrorType *string
	Details   map[string]interface{}
}

// Status returns an update that only sets the stage status
func Status(status models.RunStatus) StageUpdate {
	return StageUpdate{Status: &status}
}

// WithProgress sets the progress percentage
func (u StageUpdate) WithProgress(progress int) StageUpdate {
	u.Progress = &progress
	return u
}

// WithError sets the error message and type
func (u StageUpdate) WithError(message, errorType string) StageUpdate {
	u.Error = &message
	u.ErrorType = &errorType
	return u
}

// WithDetails merges details into the update
func (u StageUpdate) WithDetails(details map[string]interface{}) StageUpdate {
	if u.Details == nil {
		u.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		u.Details[k] = v
	}
	return u
}

// WithStartTime sets the stage start time
func (u StageUpdate) WithStartTime(t time.Time) StageUpdate {
	u.StartTime = &t
	return u
}

// Monitor holds one status record per pipeline id.
// All methods are safe for concurrent use; events are dispatched after the lock is released.
type Monitor struct {
	mu        sync.RWMutex
	pipelines map[string]*models.PipelineStatus
	bus       *events.Service
	logger    arbor.ILogger
	now       func() time.Time

	watchMu  sync.RWMutex
	watchers map[uint64]chan interfaces.Event
	nextWID  uint64
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an empty monitor
func New(logger arbor.ILogger) *Monitor {
	return &Monitor{
		pipelines: make(map[string]*models.PipelineStatus),
		bus:       events.NewService(logger),
		logger:    logger,
		now:       time.Now,
		watchers:  make(map[uint64]chan interfaces.Event),
		done:      make(chan struct{}),
	}
}

// StartPipeline registers a run with every stage pending.
// Starting an id that already exists replaces its record.
func (m *Monitor) StartPipeline(id string, stageNames []string) {
	now := m.now()
	status := &models.PipelineStatus{
		ID:         id,
		Status:     models.RunStatusPending,
		Stages:     make(map[string]*models.StageProgress, len(stageNames)),
		StageOrder: make([]string, 0, len(stageNames)),
		StartTime:  now,
	}
	for _, name := range stageNames {
		if _, dup := status.Stages[name]; dup {
			continue
		}
		status.Stages[name] = &models.StageProgress{Stage: name, Status: models.RunStatusPending}
		status.StageOrder = append(status.StageOrder, name)
	}

	m.mu.Lock()
	if _, exists := m.pipelines[id]; exists {
		m.logger.Warn().Str("pipeline_id", id).Msg("Pipeline already registered, replacing status")
	}
	m.pipelines[id] = status
	snapshot := status.Clone()
	m.mu.Unlock()

	m.logger.Debug().
		Str("pipeline_id", id).
		Strs("stages", snapshot.StageOrder).
		Msg("Pipeline registered")

	m.dispatch(
		interfaces.Event{Type: interfaces.EventPipelineStart, Payload: events.PipelineEvent{Status: snapshot}},
		interfaces.Event{Type: interfaces.EventPipelineUpdate, Payload: events.PipelineEvent{Status: snapshot}},
	)
}

// UpdateStage merges update into the named stage of pipeline id.
// Unknown ids or stages, and updates to stages that already finished, are logged and ignored.
func (m *Monitor) UpdateStage(id, stage string, update StageUpdate) {
	m.mu.Lock()
	status, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn().Str("pipeline_id", id).Str("stage", stage).Msg("Stage update for unknown pipeline ignored")
		return
	}
	progress, ok := status.Stages[stage]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn().Str("pipeline_id", id).Str("stage", stage).Msg("Update for unknown stage ignored")
		return
	}
	if progress.Status.IsTerminal() {
		m.mu.Unlock()
		m.logger.Warn().
			Str("pipeline_id", id).
			Str("stage", stage).
			Str("status", string(progress.Status)).
			Msg("Update for finished stage ignored")
		return
	}
	if update.Status != nil && *update.Status == models.RunStatusPending && progress.Status == models.RunStatusRunning {
		m.mu.Unlock()
		m.logger.Warn().Str("pipeline_id", id).Str("stage", stage).Msg("Stage cannot return to pending, update ignored")
		return
	}

	now := m.now()
	applyUpdate(progress, update)

	var extra []interfaces.Event
	if update.Status != nil {
		switch *update.Status {
		case models.RunStatusRunning:
			if progress.StartTime == nil {
				progress.StartTime = &now
			}
			status.CurrentStage = stage
			if status.Status.IsActive() {
				status.Status = models.RunStatusRunning
			}

		case models.RunStatusCompleted:
			if progress.EndTime == nil {
				progress.EndTime = &now
			}
			if status.Status.IsActive() && status.AllStagesCompleted() {
				status.Status = models.RunStatusCompleted
				status.EndTime = &now
				status.CurrentStage = ""
				extra = append(extra, interfaces.Event{Type: interfaces.EventPipelineComplete})
			}

		case models.RunStatusError:
			if progress.EndTime == nil {
				progress.EndTime = &now
			}
			// a cancelled run is already in error; keep the original reason
			if status.Status != models.RunStatusError {
				status.Status = models.RunStatusError
				status.Error = progress.Error
				status.EndTime = &now
				extra = append(extra, interfaces.Event{Type: interfaces.EventPipelineError})
			}
		}
	}

	stageSnapshot := progress.Clone()
	snapshot := status.Clone()
	m.mu.Unlock()

	evts := []interfaces.Event{
		{Type: interfaces.EventStageUpdate, Payload: events.StageEvent{PipelineID: id, Stage: stageSnapshot}},
		{Type: interfaces.EventPipelineUpdate, Payload: events.PipelineEvent{Status: snapshot}},
	}
	for _, e := range extra {
		e.Payload = events.PipelineEvent{Status: snapshot}
		evts = append(evts, e)
	}
	m.dispatch(evts...)
}

func applyUpdate(progress *models.StageProgress, update StageUpdate) {
	if update.Status != nil {
		progress.Status = *update.Status
	}
	if update.Progress != nil {
		p := *update.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		progress.Progress = p
	}
	if update.StartTime != nil {
		t := *update.StartTime
		progress.StartTime = &t
	}
	if update.EndTime != nil {
		t := *update.EndTime
		progress.EndTime = &t
	}
	if update.Error != nil {
		progress.Error = *update.Error
	}
	if update.ErrorType != nil {
		progress.ErrorType = *update.ErrorType
	}
	if len(update.Details) > 0 {
		if progress.Details == nil {
			progress.Details = make(map[string]interface{}, len(update.Details))
		}
		for k, v := range update.Details {
			progress.Details[k] = v
		}
	}
}

// CancelPipeline marks an active run as failed with CancelledMessage.
// Cancellation is cooperative: in-flight stage work is not interrupted, the executor
// observes it at its next stage boundary.
func (m *Monitor) CancelPipeline(id string) error {
	m.mu.Lock()
	status, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	if !status.Status.IsActive() {
		current := status.Status
		m.mu.Unlock()
		return fmt.Errorf("cancel %s (status %s): %w", id, current, ErrNotActive)
	}

	now := m.now()
	status.Status = models.RunStatusError
	status.Error = CancelledMessage
	status.Cancelled = true
	status.EndTime = &now
	snapshot := status.Clone()
	m.mu.Unlock()

	m.logger.Info().Str("pipeline_id", id).Msg("Pipeline cancelled")

	m.dispatch(
		interfaces.Event{Type: interfaces.EventPipelineUpdate, Payload: events.PipelineEvent{Status: snapshot}},
		interfaces.Event{Type: interfaces.EventPipelineError, Payload: events.PipelineEvent{Status: snapshot}},
	)
	return nil
}

// CompletePipeline marks an active run completed once every stage has finished.
// It is a no-op for runs that already reached a terminal status, and returns ErrNotActive
// while any stage is unfinished.
func (m *Monitor) CompletePipeline(id string) error {
	m.mu.Lock()
	status, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	if status.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	for _, name := range status.StageOrder {
		if status.Stages[name].Status != models.RunStatusCompleted {
			m.mu.Unlock()
			return fmt.Errorf("complete %s (stage %s unfinished): %w", id, name, ErrNotActive)
		}
	}

	now := m.now()
	status.Status = models.RunStatusCompleted
	status.EndTime = &now
	status.CurrentStage = ""
	snapshot := status.Clone()
	m.mu.Unlock()

	m.dispatch(
		interfaces.Event{Type: interfaces.EventPipelineUpdate, Payload: events.PipelineEvent{Status: snapshot}},
		interfaces.Event{Type: interfaces.EventPipelineComplete, Payload: events.PipelineEvent{Status: snapshot}},
	)
	return nil
}

// IsCancelled reports whether the run was cancelled
func (m *Monitor) IsCancelled(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.pipelines[id]
	return ok && status.Cancelled
}

// GetPipelineStatus returns a copy of the run's status
func (m *Monitor) GetPipelineStatus(id string) (*models.PipelineStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.pipelines[id]
	if !ok {
		return nil, false
	}
	return status.Clone(), true
}

// GetAllPipelineStatuses returns copies of every tracked run keyed by id
func (m *Monitor) GetAllPipelineStatuses() map[string]*models.PipelineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.PipelineStatus, len(m.pipelines))
	for id, status := range m.pipelines {
		out[id] = status.Clone()
	}
	return out
}

// GetActivePipelines returns copies of pending and running runs, oldest first
func (m *Monitor) GetActivePipelines() []*models.PipelineStatus {
	m.mu.RLock()
	var out []*models.PipelineStatus
	for _, status := range m.pipelines {
		if status.Status.IsActive() {
			out = append(out, status.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// ClearPipelineStatus drops the record for id
func (m *Monitor) ClearPipelineStatus(id string) {
	m.mu.Lock()
	delete(m.pipelines, id)
	m.mu.Unlock()
}

// PruneFinished drops finished runs other than the keep most recent ones and returns
// how many records were dropped. Active runs are never dropped.
func (m *Monitor) PruneFinished(keep int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []*models.PipelineStatus
	for _, status := range m.pipelines {
		if !status.Status.IsActive() {
			finished = append(finished, status)
		}
	}
	if keep < 0 {
		keep = 0
	}
	if len(finished) <= keep {
		return 0
	}

	// newest first
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].StartTime.Equal(finished[j].StartTime) {
			return finished[i].ID > finished[j].ID
		}
		return finished[i].StartTime.After(finished[j].StartTime)
	})
	for _, status := range finished[keep:] {
		delete(m.pipelines, status.ID)
	}
	return len(finished) - keep
}

// Subscribe registers a callback for an event type. Callbacks run synchronously in
// registration order; a failing or panicking callback is logged and does not affect others.
func (m *Monitor) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) (func(), error) {
	return m.bus.Subscribe(eventType, handler)
}

// Events exposes the callback bus, e.g. for events.SubscribeLoggerToAllEvents
func (m *Monitor) Events() interfaces.EventService {
	return m.bus
}

// Watch returns a channel receiving every event until ctx is done or the monitor is closed.
// Delivery never blocks the monitor: when the channel buffer is full the event is dropped.
func (m *Monitor) Watch(ctx context.Context, buffer int) <-chan interfaces.Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan interfaces.Event, buffer)

	m.watchMu.Lock()
	if m.closed {
		m.watchMu.Unlock()
		close(ch)
		return ch
	}
	m.nextWID++
	wid := m.nextWID
	m.watchers[wid] = ch
	m.watchMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		if w, ok := m.watchers[wid]; ok {
			delete(m.watchers, wid)
			close(w)
		}
	}()

	return ch
}

func (m *Monitor) dispatch(evts ...interfaces.Event) {
	ctx := context.Background()
	for _, event := range evts {
		if err := m.bus.PublishSync(ctx, event); err != nil {
			m.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Event subscribers reported errors")
		}

		m.watchMu.RLock()
		for wid, ch := range m.watchers {
			select {
			case ch <- event:
			default:
				m.logger.Debug().
					Int64("watcher", int64(wid)).
					Str("event_type", string(event.Type)).
					Msg("Watcher buffer full, event dropped")
			}
		}
		m.watchMu.RUnlock()
	}
}

// Close closes all watch channels and removes all subscribers
func (m *Monitor) Close() error {
	m.watchMu.Lock()
	m.closed = true
	for wid, ch := range m.watchers {
		delete(m.watchers, wid)
		close(ch)
	}
	m.watchMu.Unlock()
	m.doneOnce.Do(func() { close(m.done) })

	return m.bus.Close()
}
