package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
)

func TestVerifyTessSuccess(t *testing.T) {
	v := New(BuiltinRules())

	verdict, err := v.Verify(persona.Tess, "test result: ok\n3 passed; 0 failed")
	require.NoError(t, err)

	assert.Equal(t, Success, verdict.Classification)
	assert.Equal(t, "tests passed", verdict.MatchedPattern)
	assert.False(t, verdict.Anomaly)
}

func TestVerifyFailureTakesPrecedenceOverSuccess(t *testing.T) {
	v := New(BuiltinRules())

	// Both a success and a failure pattern match; failure must win.
	verdict, err := v.Verify(persona.Tess, "all tests passed\nassertion failed: left == right")
	require.NoError(t, err)

	assert.Equal(t, Failure, verdict.Classification)
	assert.False(t, verdict.Anomaly)
}

func TestVerifyApprovedDespiteFailure(t *testing.T) {
	v := New(BuiltinRules())

	verdict, err := v.Verify(persona.Tess, "APPROVED\nthread 'main' panicked at src/lib.rs:42")

	var anomaly *AnomalyError
	require.ErrorAs(t, err, &anomaly)
	assert.Equal(t, persona.Tess, anomaly.Persona)

	assert.Equal(t, Failure, verdict.Classification)
	assert.True(t, verdict.Anomaly)
}

func TestVerifyAmbiguous(t *testing.T) {
	v := New(BuiltinRules())

	verdict, err := v.Verify(persona.Tess, "working on it, nothing to report")
	require.NoError(t, err)

	assert.Equal(t, Ambiguous, verdict.Classification)
	assert.Empty(t, verdict.MatchedPattern)
}

func TestVerifyGlobalFailuresApplyToUnknownPersona(t *testing.T) {
	v := New(BuiltinRules())

	verdict, err := v.Verify(persona.Unknown, "process exited: segmentation fault")
	require.NoError(t, err)

	assert.Equal(t, Failure, verdict.Classification)
	assert.Equal(t, "segfault", verdict.MatchedPattern)
	assert.Equal(t, "critical", verdict.Severity)
}

func TestVerifyPerPersonaRules(t *testing.T) {
	v := New(BuiltinRules())

	tests := []struct {
		name    string
		persona persona.Persona
		output  string
		want    Classification
	}{
		{"rex push success", persona.Rex, "pushed to origin/fix-123", Success},
		{"rex merge conflict", persona.Rex, "CONFLICT (content): merge conflict in src/main.rs", Failure},
		{"cipher vulnerability", persona.Cipher, "vulnerability found in openssl", Failure},
		{"cipher clean scan", persona.Cipher, "security scan passed, no vulnerabilities", Success},
		{"atlas merged", persona.Atlas, "merge successful, branch updated", Success},
		{"factory fix applied", persona.Factory, "fix applied and verified", Success},
		{"morgan rate limited", persona.Morgan, "GitHub API rate limit exceeded", Failure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := v.Verify(tt.persona, tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, verdict.Classification)
		})
	}
}

func TestVerifyRecordsObservations(t *testing.T) {
	v := New(BuiltinRules())

	verdict, err := v.Verify(persona.Tess, "flaky test detected, re-running\nall tests passed")
	require.NoError(t, err)

	assert.Equal(t, Success, verdict.Classification)
	require.NotEmpty(t, verdict.Observations)
	assert.Equal(t, "flaky test", verdict.Observations[0].Description)
}

func TestMergeYAML(t *testing.T) {
	doc := []byte(`
tess:
  failure:
    - description: coverage drop
      pattern: 'coverage decreased'
      severity: high
global_failure:
  failure:
    - description: disk full
      pattern: '(?i)no space left on device'
      severity: critical
`)

	merged, err := BuiltinRules().MergeYAML(doc)
	require.NoError(t, err)

	v := New(merged)

	verdict, err := v.Verify(persona.Tess, "coverage decreased by 4%")
	require.NoError(t, err)
	assert.Equal(t, Failure, verdict.Classification)
	assert.Equal(t, "coverage drop", verdict.MatchedPattern)

	// Global additions apply to every persona.
	verdict, err = v.Verify(persona.Rex, "write /tmp/x: no space left on device")
	require.NoError(t, err)
	assert.Equal(t, Failure, verdict.Classification)
	assert.Equal(t, "disk full", verdict.MatchedPattern)
}

func TestMergeYAMLRejectsUnknownPersona(t *testing.T) {
	doc := []byte(`
gandalf:
  failure:
    - description: balrog
      pattern: 'you shall not pass'
`)

	_, err := BuiltinRules().MergeYAML(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown persona")
}

func TestMergeYAMLRejectsBadPattern(t *testing.T) {
	doc := []byte(`
tess:
  failure:
    - description: broken
      pattern: '(unclosed'
`)

	_, err := BuiltinRules().MergeYAML(doc)
	require.Error(t, err)
}

func TestMergeYAMLDoesNotMutateBuiltins(t *testing.T) {
	base := BuiltinRules()
	before := len(base.ForPersona(persona.Tess).Failure)

	doc := []byte(`
tess:
  failure:
    - description: coverage drop
      pattern: 'coverage decreased'
`)
	merged, err := base.MergeYAML(doc)
	require.NoError(t, err)

	assert.Len(t, base.ForPersona(persona.Tess).Failure, before)
	assert.Len(t, merged.ForPersona(persona.Tess).Failure, before+1)
}
