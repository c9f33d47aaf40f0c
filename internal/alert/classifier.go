package alert

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// crashLoopRestartThreshold is the restart count past which a pod
// failure is considered a crash loop and escalated to critical.
const crashLoopRestartThreshold = 3

// defaultInfraPrefixes are pod name prefixes belonging to platform
// infrastructure that restarts during normal deployments. Alerts for
// them are classified but marked ignorable.
var defaultInfraPrefixes = []string{
	"remedyd",
	"cto-tools",
	"cto-controller",
	"vault-mcp-server",
	"openmemory",
	"event-cleaner",
	"workspace-pvc-cleaner",
}

var (
	testFailureRe = regexp.MustCompile(`(?i)test result: FAILED|\d+ passed.*[1-9]\d* failed|tests? failed|FAIL\b`)
	failureTextRe = regexp.MustCompile(`(?i)panic(ked)?( at)?|fatal error|segmentation fault|error\[|FAILED`)
)

// securityKinds are the phase/kind values mapped to SecurityFinding.
var securityKinds = map[string]bool{
	"dependabot":      true,
	"code_scanning":   true,
	"secret_scanning": true,
	"security":        true,
}

// failedPhases are workload phases that indicate a pod failure.
var failedPhases = map[string]bool{
	"failed":           true,
	"error":            true,
	"crashloopbackoff": true,
}

// Classifier maps raw signals to Alerts. It is pure: classification has
// no side effects and is deterministic for a given signal, except for
// the DetectedAt stamp taken from the injected clock.
type Classifier struct {
	infraPrefixes []string
	now           func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithInfraPrefixes replaces the default infrastructure pod prefixes.
func WithInfraPrefixes(prefixes []string) Option {
	return func(c *Classifier) {
		c.infraPrefixes = prefixes
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

// NewClassifier creates a Classifier with the default infrastructure
// prefix list.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		infraPrefixes: defaultInfraPrefixes,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps a signal to an Alert. Unknown shapes map to
// KindUnclassified; a signal is never dropped. The only error is a
// missing scope (*ClassificationError), and even then the returned
// alert is usable with a synthetic scope so the caller can track the
// malformed delivery.
func (c *Classifier) Classify(signal Signal) (Alert, error) {
	var classErr error

	scope := Scope{
		Repository: signal.Field("repository", "repo"),
		Namespace:  signal.Field("namespace", "scope"),
	}
	if scope.Repository == "" && scope.Namespace == "" {
		classErr = &ClassificationError{Reason: "missing scope fields (repository, namespace)"}
		scope.Repository = "unknown"
	}

	kind, severity, summary := c.classifyShape(signal)

	resource := signal.Field("pod_name", "resource_id")
	a := Alert{
		Kind:       kind,
		Severity:   severity,
		Scope:      scope,
		Summary:    summary,
		Payload:    signal.Fields,
		Logs:       signal.Logs,
		Persona:    signal.Field("agent", "persona"),
		TaskID:     signal.Fields["task_id"],
		Ignorable:  c.isInfraPod(resource),
		DetectedAt: c.now(),
	}
	a.DedupeKey = dedupeKey(a.Kind, a.Scope, signal.Fields, signal.Logs)
	return a, classErr
}

func (c *Classifier) classifyShape(signal Signal) (Kind, Severity, string) {
	resource := signal.Field("pod_name", "resource_id")
	shape := strings.ToLower(signal.Field("phase", "kind"))

	// Explicit shape names win over log heuristics: a pod failure whose
	// logs happen to contain test output is still a pod failure.
	switch {
	case shape == "pod_failure" || shape == "podfailure" || failedPhases[shape]:
		severity := SeverityWarning
		summary := "pod failed"
		if resource != "" {
			summary = "pod " + resource + " failed"
		}
		if restarts, err := strconv.Atoi(signal.Fields["restart_count"]); err == nil && restarts > crashLoopRestartThreshold {
			severity = SeverityCritical
			summary = "pod " + resource + " in crash loop (" + strconv.Itoa(restarts) + " restarts)"
		}
		return KindPodFailure, severity, summary

	case shape == "test_failure" || shape == "testfailure":
		return KindTestFailure, SeverityWarning, "test run failed: " + firstLine(signal.Logs)

	case securityKinds[shape]:
		return KindSecurityFinding, SeverityCritical, "security finding (" + shape + ")"

	case shape == "ci_failure" || strings.ToLower(signal.Fields["conclusion"]) == "failure":
		return KindCIFailure, SeverityWarning, "CI workflow failed"

	case shape == "stale_progress":
		return KindStaleProgress, SeverityWarning, "no progress on task " + signal.Fields["task_id"]

	case shape == "approval_loop":
		return KindApprovalLoop, SeverityWarning, "repeated approval loop on task " + signal.Fields["task_id"]

	case shape == "step_timeout":
		return KindStepTimeout, SeverityWarning, "workflow step exceeded its deadline"
	}

	// Log heuristics for signals that carry no recognized shape.
	switch {
	case testFailureRe.MatchString(signal.Logs):
		return KindTestFailure, SeverityWarning, "test run failed: " + firstLine(signal.Logs)

	case signal.Fields["exit_code"] == "0" && failureTextRe.MatchString(signal.Logs):
		return KindSilentFailure, SeverityWarning, "process exited 0 but logs report a failure"
	}

	return KindUnclassified, SeverityInfo, "unclassified signal"
}

func (c *Classifier) isInfraPod(resource string) bool {
	if resource == "" {
		return false
	}
	for _, prefix := range c.infraPrefixes {
		if strings.HasPrefix(resource, prefix) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}
