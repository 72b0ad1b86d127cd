package models

import "time"

// StepRecord is the persisted last-run marker for a named step.
// Hashes are keyed by artifact path.
type StepRecord struct {
	Step         string            `json:"step" badgerhold:"key"`
	LastRun      time.Time         `json:"last_run"`
	InputHashes  map[string]string `json:"input_hashes,omitempty"`
	OutputHashes map[string]string `json:"output_hashes,omitempty"`
}

// Step analysis reasons
const (
	ReasonForced        = "forced"
	ReasonMissingOutput = "missing output"
	ReasonStaleInput    = "stale input"
	ReasonUpToDate      = "up to date"
)

// StepAnalysis is the decision whether a step must run this invocation
type StepAnalysis struct {
	Step     string `json:"step"`
	NeedsRun bool   `json:"needs_run"`
	Reason   string `json:"reason"`
	// Path is the artifact that drove the decision, when one did
	Path string `json:"path,omitempty"`
}
