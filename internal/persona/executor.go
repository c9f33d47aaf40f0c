package persona

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Task is one unit of work handed to an agent: a single workflow step
// executed under a persona for a tracking record.
type Task struct {
	// Persona the step runs as.
	Persona Persona

	// Step is the workflow step name (author, validate, verify, integrate).
	Step string

	// RecordID is the tracking record the work belongs to.
	RecordID int64

	// IssueDir is the artifact directory for the record
	// (<workdir>/issues/issue-<id>/).
	IssueDir string

	// AcceptanceFile is the path to acceptance-criteria.md.
	AcceptanceFile string

	// Prompt is the problem analysis handed to the agent.
	Prompt string

	// Attempt is the 1-based attempt number.
	Attempt int

	// Env carries additional environment variables.
	Env map[string]string
}

// Executor runs one task and returns the agent's raw output. The
// output is classified by the verifier; err is reserved for transport
// failures (the process could not run at all), not for task failures
// reported in the output.
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// CommandSpec is the CLI invocation for one persona.
type CommandSpec struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// CommandExecutor launches a configured CLI per persona, injecting the
// task context through the environment. The ctx deadline bounds the
// process lifetime.
type CommandExecutor struct {
	specs map[Persona]CommandSpec
}

// NewCommandExecutor creates an executor from per-persona command
// specs. Personas without a spec fall back to the Factory spec.
func NewCommandExecutor(specs map[Persona]CommandSpec) (*CommandExecutor, error) {
	if _, ok := specs[Factory]; !ok {
		return nil, fmt.Errorf("persona command specs must include %q as the fallback", Factory)
	}
	return &CommandExecutor{specs: specs}, nil
}

// Execute runs the persona's CLI and returns its combined output. The
// output is returned even when the process exits nonzero, since
// failure text is exactly what the verifier needs to see.
func (e *CommandExecutor) Execute(ctx context.Context, task Task) (string, error) {
	spec, ok := e.specs[task.Persona]
	if !ok {
		spec = e.specs[Factory]
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(),
		"ISSUE_NUMBER="+strconv.FormatInt(task.RecordID, 10),
		"ISSUE_DIR="+task.IssueDir,
		"ACCEPTANCE_FILE="+task.AcceptanceFile,
		"REMEDYD_PERSONA="+string(task.Persona),
		"REMEDYD_STEP="+task.Step,
		"REMEDYD_ATTEMPT="+strconv.Itoa(task.Attempt),
	)
	for k, v := range task.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if task.Prompt != "" {
		cmd.Stdin = bytes.NewBufferString(task.Prompt)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), fmt.Errorf("agent %s step %s: %w", task.Persona, task.Step, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Nonzero exit is a task outcome, not a transport failure.
			return out.String(), nil
		}
		return out.String(), fmt.Errorf("launching agent %s: %w", task.Persona, err)
	}
	return out.String(), nil
}
