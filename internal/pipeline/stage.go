package pipeline

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ternarybob/tokensmith/internal/schema"
)

// Stage is one named step of a pipeline. Process receives the previous stage's output
// (or the pipeline input for the first stage) and returns the value handed to the next.
type Stage interface {
	Name() string
	Process(ctx context.Context, input interface{}) (interface{}, error)
}

// Skipper is implemented by stages that can decide to skip themselves
type Skipper interface {
	CanSkip(ctx context.Context, input interface{}, state State) bool
}

// ErrorHandler is implemented by stages that want to observe their own failure.
// Errors and panics from OnError are logged and never change the run outcome.
type ErrorHandler interface {
	OnError(ctx context.Context, err error, state State) error
}

// Restorer is implemented by stages that can reload their previous output when skipped
type Restorer interface {
	Restore(ctx context.Context, input interface{}) (interface{}, error)
}

// InputSchemer is implemented by stages that declare an input schema
type InputSchemer interface {
	InputSchema() schema.Schema
}

// OutputSchemer is implemented by stages that declare an output schema
type OutputSchemer interface {
	OutputSchema() schema.Schema
}

// TypedStage adapts typed functions to the Stage contract.
// A value that is not an In is rejected with a type_mismatch StageError.
type TypedStage[In, Out any] struct {
	StageName   string
	ProcessFunc func(ctx context.Context, in In) (Out, error)
	CanSkipFunc func(ctx context.Context, in In, state State) bool
	OnErrorFunc func(ctx context.Context, err error, state State) error
	RestoreFunc func(ctx context.Context, in In) (Out, error)
	Input       schema.Schema
	Output      schema.Schema
}

// NewStage creates a typed stage
func NewStage[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error)) *TypedStage[In, Out] {
	return &TypedStage[In, Out]{StageName: name, ProcessFunc: fn}
}

// WithCanSkip sets the skip predicate
func (s *TypedStage[In, Out]) WithCanSkip(fn func(ctx context.Context, in In, state State) bool) *TypedStage[In, Out] {
	s.CanSkipFunc = fn
	return s
}

// WithOnError sets the failure callback
func (s *TypedStage[In, Out]) WithOnError(fn func(ctx context.Context, err error, state State) error) *TypedStage[In, Out] {
	s.OnErrorFunc = fn
	return s
}

// WithRestore sets the function reloading persisted output on skip
func (s *TypedStage[In, Out]) WithRestore(fn func(ctx context.Context, in In) (Out, error)) *TypedStage[In, Out] {
	s.RestoreFunc = fn
	return s
}

// WithSchemas sets the input and output schemas, either may be nil
func (s *TypedStage[In, Out]) WithSchemas(input, output schema.Schema) *TypedStage[In, Out] {
	s.Input = input
	s.Output = output
	return s
}

// Name implements Stage
func (s *TypedStage[In, Out]) Name() string { return s.StageName }

// Process implements Stage
func (s *TypedStage[In, Out]) Process(ctx context.Context, input interface{}) (interface{}, error) {
	in, err := s.convert(input)
	if err != nil {
		return nil, err
	}
	if s.ProcessFunc == nil {
		return nil, fmt.Errorf("stage %s has no process function", s.StageName)
	}
	return s.ProcessFunc(ctx, in)
}

// CanSkip implements Skipper
func (s *TypedStage[In, Out]) CanSkip(ctx context.Context, input interface{}, state State) bool {
	if s.CanSkipFunc == nil {
		return false
	}
	in, err := s.convert(input)
	if err != nil {
		return false
	}
	return s.CanSkipFunc(ctx, in, state)
}

// OnError implements ErrorHandler
func (s *TypedStage[In, Out]) OnError(ctx context.Context, err error, state State) error {
	if s.OnErrorFunc == nil {
		return nil
	}
	return s.OnErrorFunc(ctx, err, state)
}

// Restore implements Restorer; without RestoreFunc the input passes through
func (s *TypedStage[In, Out]) Restore(ctx context.Context, input interface{}) (interface{}, error) {
	if s.RestoreFunc == nil {
		return input, nil
	}
	in, err := s.convert(input)
	if err != nil {
		return nil, err
	}
	return s.RestoreFunc(ctx, in)
}

// InputSchema implements InputSchemer
func (s *TypedStage[In, Out]) InputSchema() schema.Schema { return s.Input }

// OutputSchema implements OutputSchemer
func (s *TypedStage[In, Out]) OutputSchema() schema.Schema { return s.Output }

func (s *TypedStage[In, Out]) convert(input interface{}) (In, error) {
	var zero In
	inType := reflect.TypeOf((*In)(nil)).Elem()
	if input == nil && nilable(inType) {
		return zero, nil
	}
	in, ok := input.(In)
	if !ok {
		return zero, &StageError{
			Stage:   s.StageName,
			Kind:    KindTypeMismatch,
			Message: fmt.Sprintf("expected input of type %s, got %T", inType, input),
			Cause:   fmt.Errorf("%w: expected %s, got %T", ErrTypeMismatch, inType, input),
		}
	}
	return in, nil
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return true
	}
	return false
}

// Func is a Stage built from a plain function over untyped values
type Func struct {
	StageName string
	Fn        func(ctx context.Context, input interface{}) (interface{}, error)
}

// Name implements Stage
func (f Func) Name() string { return f.StageName }

// Process implements Stage
func (f Func) Process(ctx context.Context, input interface{}) (interface{}, error) {
	return f.Fn(ctx, input)
}
