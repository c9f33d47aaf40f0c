package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ArtifactWriter persists the two per-record artifacts required by the
// agent launchers: prompt.md (problem analysis) and
// acceptance-criteria.md (definition of done). Both live under
// <workdir>/issues/issue-<id>/ and are append-only: each retry adds an
// "## Attempt N" section, nothing is ever truncated mid-run.
type ArtifactWriter struct {
	workdir string
	logger  *zap.Logger
}

// NewArtifactWriter creates a writer rooted at workdir.
func NewArtifactWriter(workdir string, logger *zap.Logger) *ArtifactWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactWriter{workdir: workdir, logger: logger}
}

// IssueDir returns the artifact directory for a record.
func (w *ArtifactWriter) IssueDir(id int64) string {
	return filepath.Join(w.workdir, "issues", fmt.Sprintf("issue-%d", id))
}

// PromptPath returns the prompt.md path for a record.
func (w *ArtifactWriter) PromptPath(id int64) string {
	return filepath.Join(w.IssueDir(id), "prompt.md")
}

// AcceptancePath returns the acceptance-criteria.md path for a record.
func (w *ArtifactWriter) AcceptancePath(id int64) string {
	return filepath.Join(w.IssueDir(id), "acceptance-criteria.md")
}

// WriteAttempt writes the attempt's sections of both artifacts. Writing
// the same attempt twice is a no-op, so a crashed run can safely replay
// its attempt. Earlier attempts' bytes are never rewritten.
func (w *ArtifactWriter) WriteAttempt(id int64, attempt int, prompt, acceptance string) error {
	if attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", attempt)
	}
	dir := w.IssueDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating issue dir: %w", err)
	}

	if err := w.appendSection(w.PromptPath(id), id, attempt, "Problem analysis", prompt); err != nil {
		return err
	}
	return w.appendSection(w.AcceptancePath(id), id, attempt, "Acceptance criteria", acceptance)
}

func (w *ArtifactWriter) appendSection(path string, id int64, attempt int, title, body string) error {
	header := fmt.Sprintf("## Attempt %d\n", attempt)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if strings.Contains(string(existing), header) {
		w.logger.Debug("artifact attempt section already written",
			zap.String("path", path),
			zap.Int("attempt", attempt),
		)
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	var b strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&b, "# %s — %s\n\n", title, FixesReference(id))
	}
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n\n")

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return f.Close()
}
