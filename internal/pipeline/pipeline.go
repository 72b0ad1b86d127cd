// Package pipeline runs an ordered list of stages over an evolving value, reporting each
// stage's progress to a Monitor and isolating every failure to the run it occurs in.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tokensmith/internal/common"
	"github.com/ternarybob/tokensmith/internal/models"
	"github.com/ternarybob/tokensmith/internal/schema"
	"github.com/ternarybob/tokensmith/internal/services/monitor"
)

// Monitor receives the bookkeeping of every run
type Monitor interface {
	StartPipeline(id string, stageNames []string)
	UpdateStage(id, stage string, update monitor.StageUpdate)
	IsCancelled(id string) bool
	CompletePipeline(id string) error
}

// StageHook runs after a stage completes and its output is captured in State.
// A failing hook is logged and does not fail the run.
type StageHook func(ctx context.Context, stage string, output interface{}) error

// SkipFunc is a pipeline-wide skip predicate consulted before a stage's own CanSkip
type SkipFunc func(ctx context.Context, stage string) bool

// Option configures a Pipeline
type Option func(*Pipeline)

// WithStageHook adds a hook called after every completed stage
func WithStageHook(hook StageHook) Option {
	return func(p *Pipeline) {
		if hook != nil {
			p.hooks = append(p.hooks, hook)
		}
	}
}

// WithSkipFunc sets a pipeline-wide skip predicate
func WithSkipFunc(fn SkipFunc) Option {
	return func(p *Pipeline) {
		p.skip = fn
	}
}

// WithRunIDFunc overrides run id generation
func WithRunIDFunc(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newRunID = fn
		}
	}
}

// Pipeline is an ordered set of uniquely named stages.
// Runs of one Pipeline are serialized; use separate instances for concurrent runs.
type Pipeline struct {
	name     string
	monitor  Monitor
	logger   arbor.ILogger
	hooks    []StageHook
	skip     SkipFunc
	newRunID func() string

	runMu sync.Mutex

	mu     sync.RWMutex
	stages []Stage
	names  map[string]struct{}
	state  State
	runID  string
}

// New creates a pipeline reporting into mon. A nil mon gets a private monitor.
func New(name string, mon Monitor, logger arbor.ILogger, opts ...Option) *Pipeline {
	if mon == nil {
		mon = monitor.New(logger)
	}
	p := &Pipeline{
		name:     name,
		monitor:  mon,
		logger:   logger,
		newRunID: common.NewRunID,
		names:    make(map[string]struct{}),
		state:    State{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pipeline name
func (p *Pipeline) Name() string { return p.name }

// AddStage appends a stage; names must be non-empty and unique
func (p *Pipeline) AddStage(stage Stage) error {
	if stage == nil {
		return fmt.Errorf("stage cannot be nil")
	}
	name := stage.Name()
	if name == "" {
		return fmt.Errorf("stage name cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.names[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, name)
	}
	p.names[name] = struct{}{}
	p.stages = append(p.stages, stage)
	return nil
}

// Stages returns the stage names in registration order
func (p *Pipeline) Stages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// State returns a copy of the state of the current or last run
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.clone()
}

// RunID returns the id of the current or last run
func (p *Pipeline) RunID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runID
}

func (p *Pipeline) setState(key string, value interface{}) {
	p.mu.Lock()
	p.state[key] = value
	p.mu.Unlock()
}

// Run executes every stage in order, each receiving the previous output.
// It returns the last stage's output, or a *StageError for the first failing stage,
// in which case later stages never run.
func (p *Pipeline) Run(ctx context.Context, input interface{}) (interface{}, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	runID := p.newRunID()

	p.mu.Lock()
	stages := append([]Stage(nil), p.stages...)
	p.state = State{}
	p.runID = runID
	p.mu.Unlock()

	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}

	log := p.logger.WithCorrelationId(runID)
	p.monitor.StartPipeline(runID, names)

	log.Info().
		Str("pipeline", p.name).
		Str("run_id", runID).
		Strs("stages", names).
		Msg("Pipeline started")

	start := time.Now()
	current := input

	for i, stage := range stages {
		name := stage.Name()
		stageCtx := withRunMeta(ctx, runMeta{RunID: runID, Pipeline: p.name, Stage: name})

		if cause := p.cancellation(ctx, runID); cause != nil {
			se := &StageError{Stage: name, Kind: KindCancelled, Message: cause.Error(), Cause: cause}
			p.fail(stageCtx, log, runID, stage, se, false)
			return nil, se
		}

		var next Stage
		if i+1 < len(stages) {
			next = stages[i+1]
		}

		result := p.runStage(stageCtx, log, runID, stage, next, current)
		if !result.IsOk() {
			result.Err.Stage = name
			p.fail(stageCtx, log, runID, stage, result.Err, true)
			return nil, result.Err
		}
		current = result.Value
	}

	// a cancel that lands while the last stage runs leaves the monitor record in error
	if len(stages) > 0 && p.monitor.IsCancelled(runID) {
		last := stages[len(stages)-1].Name()
		cause := fmt.Errorf("%w: %s", ErrCancelled, monitor.CancelledMessage)
		se := &StageError{Stage: last, Kind: KindCancelled, Message: cause.Error(), Cause: cause}
		p.setState(ErrorKey(last), &StateError{
			Message:   se.Message,
			Timestamp: time.Now(),
			Stage:     last,
		})
		log.Warn().
			Str("pipeline", p.name).
			Str("stage", last).
			Msg("Pipeline cancelled during its last stage, output discarded")
		return nil, se
	}

	if err := p.monitor.CompletePipeline(runID); err != nil {
		log.Warn().Err(err).Msg("Monitor did not mark pipeline completed")
	}

	log.Info().
		Str("pipeline", p.name).
		Str("run_id", runID).
		Dur("duration", time.Since(start)).
		Msg("Pipeline completed")

	return current, nil
}

// cancellation returns the reason a run must stop before its next stage, if any
func (p *Pipeline) cancellation(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if p.monitor.IsCancelled(runID) {
		return fmt.Errorf("%w: %s", ErrCancelled, monitor.CancelledMessage)
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, log arbor.ILogger, runID string, stage, next Stage, input interface{}) Result {
	name := stage.Name()

	if p.shouldSkip(ctx, log, stage, input) {
		output, restored := p.restore(ctx, log, stage, input)
		if restored {
			p.setState(name, output)
			p.monitor.UpdateStage(runID, name, monitor.Status(models.RunStatusCompleted).
				WithProgress(100).
				WithDetails(map[string]interface{}{
					"skipped":   true,
					"timestamp": time.Now(),
				}))
			log.Info().Str("stage", name).Msg("Stage skipped")
			return Ok(output)
		}
	}

	started := time.Now()
	p.monitor.UpdateStage(runID, name, monitor.Status(models.RunStatusRunning).
		WithProgress(0).
		WithStartTime(started))

	log.Debug().Str("stage", name).Msg("Stage started")

	var outputSchema schema.Schema
	if s, ok := stage.(OutputSchemer); ok {
		outputSchema = s.OutputSchema()
	}
	if s, ok := stage.(InputSchemer); ok {
		warnInvalid(log, name, "Stage input failed validation", schema.Validate(s.InputSchema(), input))
	}

	output, err := p.invoke(ctx, log, stage, input)
	if err != nil {
		se := normalizeError(name, err)
		return Result{Err: se}
	}

	warnInvalid(log, name, "Stage output failed validation", schema.Validate(outputSchema, output))
	if ns, ok := next.(InputSchemer); ok && outputSchema != nil {
		if to := ns.InputSchema(); to != nil {
			warnInvalid(log, name, "Stage output does not match next stage input", schema.ValidateTransition(output, outputSchema, to))
		}
	}

	p.setState(name, output)

	duration := time.Since(started)
	details := map[string]interface{}{
		"timestamp":   time.Now(),
		"duration_ms": duration.Milliseconds(),
	}
	if size, ok := resultSize(output); ok {
		details["result_size"] = size
	}
	p.monitor.UpdateStage(runID, name, monitor.Status(models.RunStatusCompleted).
		WithProgress(100).
		WithDetails(details))

	log.Info().
		Str("stage", name).
		Dur("duration", duration).
		Msg("Stage completed")

	for _, hook := range p.hooks {
		p.runHook(ctx, log, hook, name, output)
	}

	return Ok(output)
}

func (p *Pipeline) shouldSkip(ctx context.Context, log arbor.ILogger, stage Stage, input interface{}) (skip bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("stage", stage.Name()).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Skip check panicked, stage will run")
			skip = false
		}
	}()

	if p.skip != nil && p.skip(ctx, stage.Name()) {
		return true
	}
	if s, ok := stage.(Skipper); ok {
		return s.CanSkip(ctx, input, p.State())
	}
	return false
}

// restore reloads a skipped stage's output; without a Restorer the input passes through.
// A failed restore returns false so the stage is executed normally.
func (p *Pipeline) restore(ctx context.Context, log arbor.ILogger, stage Stage, input interface{}) (output interface{}, ok bool) {
	r, isRestorer := stage.(Restorer)
	if !isRestorer {
		return input, true
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().
				Str("stage", stage.Name()).
				Str("panic", fmt.Sprintf("%v", rec)).
				Msg("Restore panicked, stage will run")
			output, ok = nil, false
		}
	}()

	restored, err := r.Restore(ctx, input)
	if err != nil {
		log.Warn().Err(err).Str("stage", stage.Name()).Msg("Restore failed, stage will run")
		return nil, false
	}
	return restored, true
}

// invoke calls Process, converting a panic into a KindPanic StageError
func (p *Pipeline) invoke(ctx context.Context, log arbor.ILogger, stage Stage, input interface{}) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			log.Error().
				Str("stage", stage.Name()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Msg("Recovered from panic in stage")
			output = nil
			err = &StageError{
				Stage:   stage.Name(),
				Kind:    KindPanic,
				Message: fmt.Sprintf("panic: %v", r),
				Cause:   fmt.Errorf("%w: %v", ErrStagePanic, r),
			}
		}
	}()
	return stage.Process(ctx, input)
}

// fail records a stage failure in State and the monitor and notifies the stage
func (p *Pipeline) fail(ctx context.Context, log arbor.ILogger, runID string, stage Stage, se *StageError, notify bool) {
	name := stage.Name()
	p.setState(ErrorKey(name), &StateError{
		Message:   se.Message,
		Timestamp: time.Now(),
		Stage:     name,
	})

	if notify {
		if h, ok := stage.(ErrorHandler); ok {
			cause := error(se)
			if se.Cause != nil {
				cause = se.Cause
			}
			p.onError(ctx, log, h, name, cause)
		}
	}

	p.monitor.UpdateStage(runID, name, monitor.Status(models.RunStatusError).
		WithError(se.Message, string(se.Kind)))

	log.Error().
		Str("pipeline", p.name).
		Str("stage", name).
		Str("error_type", string(se.Kind)).
		Str("error", se.Message).
		Msg("Pipeline failed")
}

func (p *Pipeline) onError(ctx context.Context, log arbor.ILogger, h ErrorHandler, name string, cause error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("stage", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Stage error handler panicked")
		}
	}()
	if err := h.OnError(ctx, cause, p.State()); err != nil {
		log.Warn().Err(err).Str("stage", name).Msg("Stage error handler failed")
	}
}

func (p *Pipeline) runHook(ctx context.Context, log arbor.ILogger, hook StageHook, name string, output interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("stage", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Stage hook panicked")
		}
	}()
	if err := hook(ctx, name, output); err != nil {
		log.Warn().Err(err).Str("stage", name).Msg("Stage hook failed")
	}
}

func warnInvalid(log arbor.ILogger, stage, msg string, err error) {
	if err == nil {
		return
	}
	messages := []string{err.Error()}
	if ve, ok := err.(schema.ValidationErrors); ok {
		messages = ve.Messages()
	}
	log.Warn().
		Str("stage", stage).
		Strs("errors", messages).
		Msg(msg)
}

// resultSize is the length of the JSON encoding of v
func resultSize(v interface{}) (int, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, false
	}
	return len(data), true
}

// RunTyped runs p and asserts the final output type
func RunTyped[Out any](ctx context.Context, p *Pipeline, input interface{}) (Out, error) {
	var zero Out
	out, err := p.Run(ctx, input)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	typed, ok := out.(Out)
	if !ok {
		return zero, fmt.Errorf("pipeline %s: %w: final output is %T", p.name, ErrTypeMismatch, out)
	}
	return typed, nil
}
