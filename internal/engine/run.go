package engine

import (
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/verify"
)

// StepState is the per-step state machine:
// Pending -> Running -> {Succeeded, Failed, Skipped}.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the state is one a step never leaves.
func (s StepState) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// RunState is the overall run state machine:
// Planning -> Executing -> {Completed, Escalated}.
type RunState string

const (
	RunPlanning  RunState = "planning"
	RunExecuting RunState = "executing"
	RunCompleted RunState = "completed"
	RunEscalated RunState = "escalated"
)

// StepResult is the terminal outcome of one step.
type StepResult struct {
	State StepState `json:"state"`

	// Verdict is set for steps that executed.
	Verdict *verify.Verdict `json:"verdict,omitempty"`

	// Diagnostics are the failure diagnostics, empty on success.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Run is the read-only record of one workflow execution. The engine
// owns it while executing; once terminal it is never mutated.
type Run struct {
	// ID identifies the run in logs and traces.
	ID string `json:"id"`

	// RecordID is the owning tracking record.
	RecordID int64 `json:"record_id"`

	State RunState `json:"state"`

	// Steps maps step name to its terminal result.
	Steps map[string]StepResult `json:"steps"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Diagnostics collects every failed step's diagnostics for the
// escalation path.
func (r *Run) Diagnostics() []string {
	var out []string
	for name, result := range r.Steps {
		if result.State != StepFailed {
			continue
		}
		for _, d := range result.Diagnostics {
			out = append(out, name+": "+d)
		}
	}
	return out
}
