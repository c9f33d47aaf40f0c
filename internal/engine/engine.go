// Package engine executes remediation workflows as DAGs of
// persona-driven steps.
//
// Steps run concurrently wherever the DAG allows, bounded by the
// engine's parallelism limit. Each step's execution is wrapped by the
// retry controller and its raw output judged by the verifier; a failed
// dependency skips its exclusive dependents rather than failing them.
// A run always ends Completed or Escalated — there is no outcome where
// it silently stops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/tracker"
	"github.com/fyrsmithlabs/remedyd/internal/verify"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/engine"

// Config tunes the engine.
type Config struct {
	// MaxParallel bounds concurrent steps within one run. It should
	// match the scheduler's per-scope capacity so fan-out honors the
	// same admission bound.
	MaxParallel int

	// DefaultStepTimeout bounds one execution attempt of a step that
	// does not set its own timeout.
	DefaultStepTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:        2,
		DefaultStepTimeout: 45 * time.Minute,
	}
}

// Engine executes workflow plans.
type Engine struct {
	cfg       Config
	executor  persona.Executor
	verifier  *verify.Verifier
	retrier   *retry.Controller
	artifacts *tracker.ArtifactWriter
	logger    *zap.Logger
}

// New creates an Engine. The artifact writer may be nil when the
// caller manages artifacts itself.
func New(cfg Config, executor persona.Executor, verifier *verify.Verifier, retrier *retry.Controller, artifacts *tracker.ArtifactWriter, logger *zap.Logger) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("engine requires an executor")
	}
	if verifier == nil {
		return nil, fmt.Errorf("engine requires a verifier")
	}
	if retrier == nil {
		return nil, fmt.Errorf("engine requires a retry controller")
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultConfig().DefaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		executor:  executor,
		verifier:  verifier,
		retrier:   retrier,
		artifacts: artifacts,
		logger:    logger,
	}, nil
}

// stepDone is one step's completion event.
type stepDone struct {
	name   string
	result StepResult
}

// Execute runs the plan to a terminal state. The returned Run is
// Completed when every final step succeeded and Escalated otherwise.
// A cancelled ctx stops in-flight steps and returns the partial run
// alongside ctx's error.
func (e *Engine) Execute(ctx context.Context, recordID int64, plan Plan) (*Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "engine.Execute")
	defer span.End()

	run := &Run{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		State:     RunPlanning,
		Steps:     make(map[string]StepResult, len(plan.Steps)),
		StartedAt: time.Now(),
	}
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int64("record.id", recordID),
	)
	logger := e.logger.With(zap.String("run_id", run.ID), zap.Int64("record_id", recordID))

	steps := make(map[string]Step, len(plan.Steps))
	states := make(map[string]StepState, len(plan.Steps))
	for _, s := range plan.Steps {
		steps[s.Name] = s
		states[s.Name] = StepPending
	}

	run.State = RunExecuting
	logger.Info("workflow run started", zap.Int("steps", len(plan.Steps)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	done := make(chan stepDone)
	slots := make(chan struct{}, e.cfg.MaxParallel)
	inFlight := 0

	for {
		mu.Lock()
		// Propagate skips until the frontier is stable, then launch
		// every ready step.
		for changed := true; changed; {
			changed = false
			for name, state := range states {
				if state != StepPending {
					continue
				}
				switch e.readiness(steps[name], states) {
				case readySkip:
					states[name] = StepSkipped
					run.Steps[name] = StepResult{State: StepSkipped}
					logger.Info("step skipped", zap.String("step", name))
					changed = true
				case readyRun:
					states[name] = StepRunning
					inFlight++
					changed = true
					go e.runStep(runCtx, steps[name], recordID, slots, done)
				}
			}
		}
		pending := 0
		for _, state := range states {
			if state == StepPending {
				pending++
			}
		}
		mu.Unlock()

		if inFlight == 0 {
			if pending > 0 {
				// Unreachable with a validated DAG.
				return nil, fmt.Errorf("workflow stalled with %d unready steps", pending)
			}
			break
		}

		select {
		case <-ctx.Done():
			cancel()
			// Drain in-flight steps so none outlive the run.
			for inFlight > 0 {
				ev := <-done
				inFlight--
				mu.Lock()
				states[ev.name] = ev.result.State
				run.Steps[ev.name] = ev.result
				mu.Unlock()
			}
			e.finish(run, steps, states)
			span.SetStatus(codes.Error, "run canceled")
			return run, ctx.Err()
		case ev := <-done:
			inFlight--
			mu.Lock()
			states[ev.name] = ev.result.State
			run.Steps[ev.name] = ev.result
			mu.Unlock()
			logger.Info("step finished",
				zap.String("step", ev.name),
				zap.String("state", string(ev.result.State)),
			)
		}
	}

	e.finish(run, steps, states)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "run canceled")
		return run, err
	}
	if run.State == RunEscalated {
		span.SetStatus(codes.Error, "run escalated")
	}
	logger.Info("workflow run finished", zap.String("state", string(run.State)))
	return run, nil
}

type readiness int

const (
	readyWait readiness = iota
	readyRun
	readySkip
)

// readiness evaluates a pending step against its dependencies: every
// edge must be terminal (fan-in), normal edges additionally require
// Succeeded. One failed or skipped normal dependency skips the step.
func (e *Engine) readiness(step Step, states map[string]StepState) readiness {
	for _, dep := range step.DependsOn {
		state := states[dep.Step]
		if !state.Terminal() {
			return readyWait
		}
		if !dep.RunRegardless && state != StepSucceeded {
			return readySkip
		}
	}
	return readyRun
}

// runStep executes one step to a terminal result. The slot channel
// bounds run-wide parallelism.
func (e *Engine) runStep(ctx context.Context, step Step, recordID int64, slots chan struct{}, done chan<- stepDone) {
	select {
	case slots <- struct{}{}:
		defer func() { <-slots }()
	case <-ctx.Done():
		done <- stepDone{name: step.Name, result: StepResult{
			State:       StepFailed,
			Diagnostics: []string{"canceled before execution: " + ctx.Err().Error()},
		}}
		return
	}

	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "engine.step."+step.Name)
	defer span.End()
	span.SetAttributes(attribute.String("persona", string(step.Persona)))

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultStepTimeout
	}

	attempt := 0
	op := func(ctx context.Context) (verify.Verdict, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		task := persona.Task{
			Persona:  step.Persona,
			Step:     step.Name,
			RecordID: recordID,
			Prompt:   step.Prompt,
			Attempt:  attempt,
		}
		if e.artifacts != nil {
			task.IssueDir = e.artifacts.IssueDir(recordID)
			task.AcceptanceFile = e.artifacts.AcceptancePath(recordID)
		}

		output, err := e.executor.Execute(attemptCtx, task)
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return verify.Verdict{}, &StepTimeoutError{Step: step.Name, Timeout: timeout}
		}
		if err != nil {
			return verify.Verdict{}, fmt.Errorf("executing step %s: %w", step.Name, err)
		}

		verdict, verr := e.verifier.Verify(step.Persona, output)
		var anomaly *verify.AnomalyError
		if errors.As(verr, &anomaly) {
			// An agent whose judgment contradicts its own output is
			// not retried; the anomaly goes straight to escalation.
			return verdict, retry.Permanent(verr)
		}
		if verdict.Classification != verify.Success {
			return verdict, &StepFailureError{Step: step.Name, Verdict: verdict}
		}
		return verdict, nil
	}

	verdict, err := retry.Do(ctx, e.retrier, op, step.Oracle)
	if err == nil {
		done <- stepDone{name: step.Name, result: StepResult{State: StepSucceeded, Verdict: &verdict}}
		return
	}

	span.SetStatus(codes.Error, err.Error())
	done <- stepDone{name: step.Name, result: StepResult{
		State:       StepFailed,
		Diagnostics: stepDiagnostics(err),
	}}
}

// stepDiagnostics flattens a terminal step error into diagnostics
// lines for the escalation path.
func stepDiagnostics(err error) []string {
	var exhausted *retry.Exhausted
	if errors.As(err, &exhausted) {
		out := make([]string, 0, len(exhausted.Diagnostics)+1)
		out = append(out, exhausted.Error())
		for _, d := range exhausted.Diagnostics {
			out = append(out, fmt.Sprintf("attempt %d: %s", d.Attempt, d.Error))
		}
		return out
	}
	return []string{err.Error()}
}

// finish seals the run: Completed when every final step succeeded,
// Escalated otherwise. Steps that never reached a terminal state are
// recorded as skipped.
func (e *Engine) finish(run *Run, steps map[string]Step, states map[string]StepState) {
	completed := true
	for name, step := range steps {
		state := states[name]
		if !state.Terminal() {
			state = StepSkipped
			run.Steps[name] = StepResult{State: StepSkipped}
		}
		if step.Final && state != StepSucceeded {
			completed = false
		}
	}
	if completed {
		run.State = RunCompleted
	} else {
		run.State = RunEscalated
	}
	run.EndedAt = time.Now()
}
