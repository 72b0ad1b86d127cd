package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure
type ErrorKind string

const (
	KindExecution    ErrorKind = "execution"
	KindPanic        ErrorKind = "panic"
	KindTypeMismatch ErrorKind = "type_mismatch"
	KindCancelled    ErrorKind = "cancelled"
)

var (
	// ErrDuplicateStage is returned by AddStage for a name already registered
	ErrDuplicateStage = errors.New("duplicate stage name")
	// ErrTypeMismatch marks a value of the wrong Go type reaching a typed stage
	ErrTypeMismatch = errors.New("stage input type mismatch")
	// ErrStagePanic is the cause recorded for a recovered panic
	ErrStagePanic = errors.New("stage panicked")
	// ErrCancelled is the cause recorded when a run stops at a stage boundary
	ErrCancelled = errors.New("pipeline cancelled")
)

// StageError is the error returned by Run when a stage fails
type StageError struct {
	Stage   string
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("Error in stage %s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Result is the outcome of one stage: either Ok with a value or Err with a StageError
type Result struct {
	Value interface{}
	Err   *StageError
}

// Ok creates a successful result
func Ok(value interface{}) Result {
	return Result{Value: value}
}

// Err creates a failed result
func Err(kind ErrorKind, message string, cause error) Result {
	return Result{Err: &StageError{Kind: kind, Message: message, Cause: cause}}
}

// IsOk reports whether the result carries a value
func (r Result) IsOk() bool {
	return r.Err == nil
}

// Unwrap returns the value and a nil error, or nil and the StageError
func (r Result) Unwrap() (interface{}, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Value, nil
}

// normalizeError converts whatever a stage returned into a StageError for stage
func normalizeError(stage string, err error) *StageError {
	var se *StageError
	// only a StageError returned directly is reused; a wrapped one belongs to a nested pipeline
	if direct, ok := err.(*StageError); ok {
		se = &StageError{Stage: stage, Kind: direct.Kind, Message: direct.Message, Cause: direct.Cause}
		if se.Kind == "" {
			se.Kind = KindExecution
		}
		return se
	}

	kind := KindExecution
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled) {
		kind = KindCancelled
	}
	return &StageError{Stage: stage, Kind: kind, Message: err.Error(), Cause: err}
}
