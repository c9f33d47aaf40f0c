package tracker

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriteAttemptCreatesArtifacts(t *testing.T) {
	w := NewArtifactWriter(t.TempDir(), zap.NewNop())

	require.NoError(t, w.WriteAttempt(42, 1, "pod crashed, see logs", "tests pass and pod stays up"))

	prompt, err := os.ReadFile(w.PromptPath(42))
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "Fixes #42")
	assert.Contains(t, string(prompt), "## Attempt 1")
	assert.Contains(t, string(prompt), "pod crashed, see logs")

	acceptance, err := os.ReadFile(w.AcceptancePath(42))
	require.NoError(t, err)
	assert.Contains(t, string(acceptance), "## Attempt 1")
	assert.Contains(t, string(acceptance), "tests pass and pod stays up")

	assert.True(t, strings.HasSuffix(w.IssueDir(42), "issues/issue-42"))
}

func TestWriteAttemptAppendOnly(t *testing.T) {
	w := NewArtifactWriter(t.TempDir(), zap.NewNop())

	require.NoError(t, w.WriteAttempt(7, 1, "first analysis", "first criteria"))
	before, err := os.ReadFile(w.PromptPath(7))
	require.NoError(t, err)

	require.NoError(t, w.WriteAttempt(7, 2, "second analysis", "second criteria"))
	after, err := os.ReadFile(w.PromptPath(7))
	require.NoError(t, err)

	// Attempt 1's bytes survive attempt 2 untouched.
	assert.True(t, strings.HasPrefix(string(after), string(before)))
	assert.Contains(t, string(after), "## Attempt 2")
	assert.Contains(t, string(after), "second analysis")
}

func TestWriteAttemptIdempotentPerAttempt(t *testing.T) {
	w := NewArtifactWriter(t.TempDir(), zap.NewNop())

	require.NoError(t, w.WriteAttempt(7, 1, "analysis", "criteria"))
	require.NoError(t, w.WriteAttempt(7, 1, "analysis replayed", "criteria replayed"))

	prompt, err := os.ReadFile(w.PromptPath(7))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(prompt), "## Attempt 1"))
	assert.NotContains(t, string(prompt), "replayed")
}

func TestWriteAttemptRejectsBadAttempt(t *testing.T) {
	w := NewArtifactWriter(t.TempDir(), zap.NewNop())
	assert.Error(t, w.WriteAttempt(7, 0, "x", "y"))
}
