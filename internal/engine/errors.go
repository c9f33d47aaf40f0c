package engine

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/verify"
)

// StepTimeoutError reports a step attempt that exceeded its deadline.
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Timeout)
}

// StepFailureError reports a step whose output the verifier classified
// as Failure (or Ambiguous, which gates the same way).
type StepFailureError struct {
	Step    string
	Verdict verify.Verdict
}

func (e *StepFailureError) Error() string {
	if e.Verdict.MatchedPattern != "" {
		return fmt.Sprintf("step %s failed: matched %q", e.Step, e.Verdict.MatchedPattern)
	}
	return fmt.Sprintf("step %s produced no recognizable outcome", e.Step)
}
