// Package verify classifies free-text agent output as Success, Failure,
// or Ambiguous using ordered per-persona pattern tables.
//
// The policy is deliberately conservative: any failure match wins over
// any number of success matches, so an agent cannot talk its way past a
// failing test run. An explicit approval marker alongside a failure
// match is surfaced as a distinct anomaly because it means the agent's
// own judgment cannot be trusted.
package verify

import (
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
)

// Classification is the outcome class of one verified output.
type Classification string

const (
	Success   Classification = "success"
	Failure   Classification = "failure"
	Ambiguous Classification = "ambiguous"
)

// Observation is an anomaly-pattern match: unexpected, worth recording,
// not by itself a failure.
type Observation struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Verdict is the classified outcome of one step's raw output. It is
// produced once and never revised.
type Verdict struct {
	Persona persona.Persona `json:"persona"`

	Classification Classification `json:"classification"`

	// MatchedPattern describes the rule that decided the
	// classification. Empty for Ambiguous.
	MatchedPattern string `json:"matched_pattern,omitempty"`

	// Severity of the deciding rule.
	Severity string `json:"severity,omitempty"`

	// Anomaly is set when an approval marker appeared alongside a
	// failure match.
	Anomaly bool `json:"anomaly,omitempty"`

	// Observations are anomaly-pattern matches recorded regardless of
	// classification.
	Observations []Observation `json:"observations,omitempty"`
}

// AnomalyError reports an approved-despite-failure verdict. It is
// returned alongside the Failure verdict so callers receive it as
// first-class information rather than a plain failure.
type AnomalyError struct {
	Persona        persona.Persona
	MatchedFailure string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("agent %s approved its output despite failure pattern %q", e.Persona, e.MatchedFailure)
}

// approvalRe detects explicit approval markers in agent output.
var approvalRe = regexp.MustCompile(`(?i)\bapproved\b|\blgtm\b`)

// Verifier classifies raw agent output against an immutable rule store.
type Verifier struct {
	rules *Rules
}

// New creates a Verifier. Pass BuiltinRules() or a merged rule store.
func New(rules *Rules) *Verifier {
	return &Verifier{rules: rules}
}

// Verify classifies rawOutput for the given persona.
//
// Policy, in order: any failure match (global table first, then the
// persona's) decides Failure regardless of success matches; otherwise
// any success match decides Success; otherwise Ambiguous. When a
// failure match coexists with an approval marker the returned error is
// a *AnomalyError and Verdict.Anomaly is set; the classification stays
// Failure.
func (v *Verifier) Verify(p persona.Persona, rawOutput string) (Verdict, error) {
	set := v.rules.ForPersona(p)

	verdict := Verdict{Persona: p, Classification: Ambiguous}

	for _, rule := range set.Anomaly {
		if rule.Matches(rawOutput) {
			verdict.Observations = append(verdict.Observations, Observation{
				Description: rule.Description,
				Severity:    rule.Severity,
			})
		}
	}

	failure := firstMatch(v.rules.GlobalFailures(), rawOutput)
	if failure == nil {
		failure = firstMatch(set.Failure, rawOutput)
	}
	if failure != nil {
		verdict.Classification = Failure
		verdict.MatchedPattern = failure.Description
		verdict.Severity = failure.Severity
		if approvalRe.MatchString(rawOutput) {
			verdict.Anomaly = true
			return verdict, &AnomalyError{Persona: p, MatchedFailure: failure.Description}
		}
		return verdict, nil
	}

	if success := firstMatch(set.Success, rawOutput); success != nil {
		verdict.Classification = Success
		verdict.MatchedPattern = success.Description
		verdict.Severity = success.Severity
	}
	return verdict, nil
}

func firstMatch(rules []Rule, output string) *Rule {
	for i := range rules {
		if rules[i].Matches(output) {
			return &rules[i]
		}
	}
	return nil
}
