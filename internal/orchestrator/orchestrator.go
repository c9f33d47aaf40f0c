// Package orchestrator wires the remediation control loop: classify a
// signal, ensure its tracking record, admit a workflow under the scope
// semaphore, execute it, and record resolution or escalation.
//
// Every signal that is not infrastructure noise or a duplicate ends in
// exactly one of Completed or Escalated. There is no path where an
// alert is silently forgotten.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/engine"
	"github.com/fyrsmithlabs/remedyd/internal/persona"
	"github.com/fyrsmithlabs/remedyd/internal/scheduler"
	"github.com/fyrsmithlabs/remedyd/internal/tracker"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/orchestrator"

// Outcome is what happened to one handled signal.
type Outcome string

const (
	// OutcomeIgnored marks infrastructure-pod signals that are
	// classified but never remediated.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDeduplicated marks signals whose tracking record already
	// exists; the in-flight remediation owns them.
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeCompleted    Outcome = "completed"
	OutcomeEscalated    Outcome = "escalated"
)

// Result summarizes one handled signal.
type Result struct {
	Outcome  Outcome
	RecordID int64
	RunID    string
}

// Orchestrator runs the control loop.
type Orchestrator struct {
	classifier *alert.Classifier
	tracker    tracker.Tracker
	artifacts  *tracker.ArtifactWriter
	sched      *scheduler.Scheduler
	engine     *engine.Engine
	logger     *zap.Logger

	// leaseRenewInterval paces lease renewal while a run executes.
	leaseRenewInterval time.Duration
}

// New creates an Orchestrator.
func New(classifier *alert.Classifier, trk tracker.Tracker, artifacts *tracker.ArtifactWriter, sched *scheduler.Scheduler, eng *engine.Engine, leaseTTL time.Duration, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case classifier == nil:
		return nil, fmt.Errorf("orchestrator requires a classifier")
	case trk == nil:
		return nil, fmt.Errorf("orchestrator requires a tracker")
	case sched == nil:
		return nil, fmt.Errorf("orchestrator requires a scheduler")
	case eng == nil:
		return nil, fmt.Errorf("orchestrator requires an engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	renew := leaseTTL / 3
	if renew <= 0 {
		renew = 10 * time.Minute
	}
	return &Orchestrator{
		classifier:         classifier,
		tracker:            trk,
		artifacts:          artifacts,
		sched:              sched,
		engine:             eng,
		logger:             logger,
		leaseRenewInterval: renew,
	}, nil
}

// HandleSignal drives one signal end to end. Malformed signals are
// logged and still remediated as Unclassified; only infrastructure
// noise and duplicates stop early.
func (o *Orchestrator) HandleSignal(ctx context.Context, signal alert.Signal) (*Result, error) {
	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "orchestrator.HandleSignal")
	defer span.End()

	a, err := o.classifier.Classify(signal)
	if err != nil {
		// Classification failures are reported, never fatal: the
		// Unclassified alert still proceeds.
		o.logger.Warn("signal classified with errors", zap.Error(err))
	}
	span.SetAttributes(
		attribute.String("alert.kind", string(a.Kind)),
		attribute.String("alert.scope", a.Scope.String()),
	)
	logger := o.logger.With(
		zap.String("kind", string(a.Kind)),
		zap.String("scope", a.Scope.String()),
		zap.String("dedupe_key", a.DedupeKey),
	)

	if a.Ignorable {
		logger.Info("ignoring infrastructure pod alert")
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	rec, created, err := o.tracker.EnsureTrackingRecord(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("ensuring tracking record: %w", err)
	}
	logger = logger.With(zap.Int64("record_id", rec.ID))

	if !created {
		logger.Info("alert already tracked, skipping duplicate remediation")
		return &Result{Outcome: OutcomeDeduplicated, RecordID: rec.ID}, nil
	}

	p := persona.ForAlert(a)
	prompt := buildPrompt(a, rec.ID)

	if o.artifacts != nil {
		if err := o.artifacts.WriteAttempt(rec.ID, 1, prompt, buildAcceptance(a, rec.ID)); err != nil {
			return nil, fmt.Errorf("writing artifacts: %w", err)
		}
	}

	task, err := o.sched.Submit(ctx, rec.ID, p, a.Scope.String(), 1)
	if err != nil {
		return nil, fmt.Errorf("admitting remediation: %w", err)
	}
	defer o.sched.Release(task.LeaseID)

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go o.renewLease(renewCtx, task.LeaseID)

	run, runErr := o.engine.Execute(ctx, rec.ID, engine.DefaultPlan(p, prompt))
	if runErr != nil && run == nil {
		return nil, fmt.Errorf("executing workflow: %w", runErr)
	}

	switch {
	case runErr != nil:
		// Canceled mid-run: escalate with whatever diagnostics exist
		// so the record is not orphaned.
		diags := append(run.Diagnostics(), "workflow canceled: "+runErr.Error())
		if err := o.tracker.RecordEscalation(ctx, rec.ID, diags); err != nil {
			logger.Error("recording escalation after cancellation", zap.Error(err))
		}
		return &Result{Outcome: OutcomeEscalated, RecordID: rec.ID, RunID: run.ID}, runErr

	case run.State == engine.RunCompleted:
		if err := o.tracker.RecordResolution(ctx, rec.ID, "workflow run "+run.ID); err != nil {
			return nil, fmt.Errorf("recording resolution: %w", err)
		}
		logger.Info("remediation completed", zap.String("run_id", run.ID))
		return &Result{Outcome: OutcomeCompleted, RecordID: rec.ID, RunID: run.ID}, nil

	default:
		if err := o.tracker.RecordEscalation(ctx, rec.ID, run.Diagnostics()); err != nil {
			return nil, fmt.Errorf("recording escalation: %w", err)
		}
		logger.Warn("remediation escalated", zap.String("run_id", run.ID))
		return &Result{Outcome: OutcomeEscalated, RecordID: rec.ID, RunID: run.ID}, nil
	}
}

// renewLease keeps the scheduler lease alive while the run executes.
func (o *Orchestrator) renewLease(ctx context.Context, leaseID string) {
	ticker := time.NewTicker(o.leaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.sched.Renew(leaseID) {
				return
			}
		}
	}
}

// buildPrompt renders the problem analysis handed to the authoring
// agent.
func buildPrompt(a alert.Alert, recordID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Remediate the following %s alert in %s.\n\n", a.Kind, a.Scope)
	fmt.Fprintf(&b, "Summary: %s\n", a.Summary)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	if a.TaskID != "" {
		fmt.Fprintf(&b, "Upstream task: %s\n", a.TaskID)
	}
	if a.Logs != "" {
		fmt.Fprintf(&b, "\nObserved output:\n```\n%s\n```\n", a.Logs)
	}
	fmt.Fprintf(&b, "\nInclude %q in the pull request description so the tracking record closes on merge.\n", tracker.FixesReference(recordID))
	return b.String()
}

// buildAcceptance renders the definition of done.
func buildAcceptance(a alert.Alert, recordID int64) string {
	var b strings.Builder
	b.WriteString("The remediation is complete when:\n\n")
	switch a.Kind {
	case alert.KindTestFailure:
		b.WriteString("- the failing tests pass\n")
	case alert.KindSecurityFinding:
		b.WriteString("- the finding is fixed or formally accepted\n")
	case alert.KindPodFailure:
		b.WriteString("- the workload runs without restarts\n")
	default:
		b.WriteString("- the underlying failure no longer reproduces\n")
	}
	b.WriteString("- validation and review steps report success\n")
	fmt.Fprintf(&b, "- the change references %q\n", tracker.FixesReference(recordID))
	return b.String()
}
