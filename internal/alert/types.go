// Package alert normalizes incoming operational signals into Alerts.
//
// A Signal is an opaque key-value payload plus a free-text log blob, as
// delivered by whatever transport feeds the orchestrator (NATS subject,
// webhook, CLI). Classification maps the signal shape to a Kind and
// derives a deterministic dedupe key so the same underlying problem is
// never tracked twice.
package alert

import (
	"fmt"
	"time"
)

// Kind identifies the shape of an operational signal.
type Kind string

const (
	// KindPodFailure is a crashed or crash-looping workload pod.
	KindPodFailure Kind = "pod_failure"
	// KindTestFailure is a failing test run reported by an agent or CI.
	KindTestFailure Kind = "test_failure"
	// KindSecurityFinding is a dependabot/code-scanning/secret-scanning hit.
	KindSecurityFinding Kind = "security_finding"
	// KindCIFailure is a failed CI workflow run.
	KindCIFailure Kind = "ci_failure"
	// KindSilentFailure is a process that exited zero while its logs say otherwise.
	KindSilentFailure Kind = "silent_failure"
	// KindStaleProgress is a task with no observable progress past the threshold.
	KindStaleProgress Kind = "stale_progress"
	// KindApprovalLoop is a PR bouncing between approval and rework.
	KindApprovalLoop Kind = "approval_loop"
	// KindStepTimeout is a workflow step that exceeded its deadline.
	KindStepTimeout Kind = "step_timeout"
	// KindUnclassified is any signal whose shape is not recognized.
	// Unclassified signals still proceed; they are never dropped.
	KindUnclassified Kind = "unclassified"
)

// Severity ranks how urgently an alert needs attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Scope identifies where an alert happened, for tracking and for
// per-scope admission control.
type Scope struct {
	// Repository in "org/repo" form.
	Repository string `json:"repository"`

	// Namespace the workload runs in. May be empty for signals that
	// are not cluster-scoped.
	Namespace string `json:"namespace,omitempty"`
}

// String renders the scope as "org/repo:namespace", the canonical form
// used for semaphore accounting and dedupe keys.
func (s Scope) String() string {
	if s.Namespace == "" {
		return s.Repository
	}
	return fmt.Sprintf("%s:%s", s.Repository, s.Namespace)
}

// Alert is a normalized operational signal needing remediation.
type Alert struct {
	// Kind is the classified signal shape.
	Kind Kind `json:"kind"`

	// Severity ranks the alert.
	Severity Severity `json:"severity"`

	// Scope is the repository/namespace the alert belongs to.
	Scope Scope `json:"scope"`

	// DedupeKey is a deterministic fingerprint of (kind, scope,
	// normalized payload). Equal underlying problems yield equal keys.
	DedupeKey string `json:"dedupe_key"`

	// Summary is a one-line human-readable description.
	Summary string `json:"summary"`

	// Payload carries the original signal fields, untouched.
	Payload map[string]string `json:"payload,omitempty"`

	// Logs is the raw text blob that arrived with the signal.
	Logs string `json:"logs,omitempty"`

	// Persona is the agent role named by the signal, if any.
	Persona string `json:"persona,omitempty"`

	// TaskID is the upstream task identifier, if any.
	TaskID string `json:"task_id,omitempty"`

	// Ignorable marks alerts from infrastructure pods that restart
	// during normal deployments. They are classified but callers
	// should not remediate them.
	Ignorable bool `json:"ignorable,omitempty"`

	// DetectedAt is when the classifier saw the signal.
	DetectedAt time.Time `json:"detected_at"`
}

// Signal is the raw inbound event before classification.
type Signal struct {
	// Fields is the opaque key-value payload. Recognized keys and
	// their aliases: pod_name|resource_id, namespace|scope,
	// repository, phase|kind, agent|persona, task_id, exit_code,
	// restart_count, conclusion.
	Fields map[string]string `json:"fields"`

	// Logs is free-form text, e.g. container logs or agent output.
	Logs string `json:"logs,omitempty"`
}

// Field returns the first non-empty value among the given keys.
func (s Signal) Field(keys ...string) string {
	for _, k := range keys {
		if v := s.Fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// ClassificationError reports a malformed signal. The classifier still
// returns a usable Unclassified alert alongside it; callers log the
// error and proceed.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("malformed signal: %s", e.Reason)
}
