package models

import (
	"time"
)

// RunStatus represents the state of a pipeline run or one of its stages
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// IsActive reports whether s is pending or running
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// StageProgress tracks a single stage within a pipeline run.
// A skipped stage is completed with Details["skipped"] = true.
type StageProgress struct {
	Stage     string                 `json:"stage"`
	Status    RunStatus              `json:"status"`
	Progress  int                    `json:"progress"` // 0..100
	StartTime *time.Time             `json:"start_time,omitempty"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// IsSkipped reports whether the stage completed without running
func (p *StageProgress) IsSkipped() bool {
	if p.Details == nil {
		return false
	}
	skipped, _ := p.Details["skipped"].(bool)
	return skipped
}

// Clone returns a deep copy of the stage progress
func (p *StageProgress) Clone() *StageProgress {
	if p == nil {
		return nil
	}
	c := *p
	c.StartTime = cloneTime(p.StartTime)
	c.EndTime = cloneTime(p.EndTime)
	if p.Details != nil {
		c.Details = make(map[string]interface{}, len(p.Details))
		for k, v := range p.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// PipelineStatus is the bookkeeping record for one pipeline run.
// It is created when the run starts and is terminal once Status is completed or error.
type PipelineStatus struct {
	ID           string                    `json:"id"`
	Status       RunStatus                 `json:"status"`
	Stages       map[string]*StageProgress `json:"stages"`
	StageOrder   []string                  `json:"stage_order"`
	StartTime    time.Time                 `json:"start_time"`
	EndTime      *time.Time                `json:"end_time,omitempty"`
	CurrentStage string                    `json:"current_stage,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Cancelled    bool                      `json:"cancelled,omitempty"`
}

// AllStagesCompleted reports whether every registered stage has completed.
// A pipeline with no stages is not considered complete by stage updates.
func (s *PipelineStatus) AllStagesCompleted() bool {
	if len(s.Stages) == 0 {
		return false
	}
	for _, stage := range s.Stages {
		if stage.Status != RunStatusCompleted {
			return false
		}
	}
	return true
}

// Duration returns the elapsed run time, up to now for active runs
func (s *PipelineStatus) Duration() time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// Clone returns a deep copy so callers can read it without holding the monitor lock
func (s *PipelineStatus) Clone() *PipelineStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.EndTime = cloneTime(s.EndTime)
	c.StageOrder = append([]string(nil), s.StageOrder...)
	c.Stages = make(map[string]*StageProgress, len(s.Stages))
	for name, stage := range s.Stages {
		c.Stages[name] = stage.Clone()
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
