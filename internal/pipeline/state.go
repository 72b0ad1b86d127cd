package pipeline

import (
	"context"
	"time"
)

// State maps stage names to their outputs for one run.
// A failed stage is recorded as *StateError under ErrorKey(stage).
type State map[string]interface{}

// StateError is the record stored for a failed stage
type StateError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
}

// ErrorKey is the state key holding the failure record of stage
func ErrorKey(stage string) string {
	return stage + "_error"
}

// Output returns the recorded output of stage
func (s State) Output(stage string) (interface{}, bool) {
	v, ok := s[stage]
	return v, ok
}

// Error returns the failure record of stage
func (s State) Error(stage string) (*StateError, bool) {
	v, ok := s[ErrorKey(stage)].(*StateError)
	return v, ok
}

func (s State) clone() State {
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

type runMetaKey struct{}

type runMeta struct {
	RunID    string
	Pipeline string
	Stage    string
}

func withRunMeta(ctx context.Context, meta runMeta) context.Context {
	return context.WithValue(ctx, runMetaKey{}, meta)
}

// RunIDFromContext returns the run id when called from inside a stage
func RunIDFromContext(ctx context.Context) (string, bool) {
	meta, ok := ctx.Value(runMetaKey{}).(runMeta)
	return meta.RunID, ok
}

// StageFromContext returns the name of the executing stage
func StageFromContext(ctx context.Context) (string, bool) {
	meta, ok := ctx.Value(runMetaKey{}).(runMeta)
	return meta.Stage, ok
}
