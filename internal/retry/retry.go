// Package retry implements bounded exponential-backoff retries with a
// completion-sentinel probe.
//
// The probe guards against operations that report success without
// actually finishing: after an operation returns cleanly, its
// completion oracle is asked "is the task actually complete?" and a
// negative answer converts the reported success into a retryable
// failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, first attempt
	// included. Never exceeded.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Multiplier grows the backoff per attempt.
	Multiplier float64

	// DiagnosticsDepth bounds how many trailing attempt diagnostics a
	// terminal failure carries. Zero means the default of 5.
	DiagnosticsDepth int
}

// DefaultPolicy matches the orchestrator defaults: three attempts,
// one second base, thirty second cap, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

const defaultDiagnosticsDepth = 5

// CompletionOracle is the sentinel probe: a secondary completion check
// consulted before a reported success is accepted.
type CompletionOracle interface {
	// Confirm reports whether the operation's work is actually
	// complete. A false return or an error rejects the reported
	// success.
	Confirm(ctx context.Context) (bool, error)
}

// OracleFunc adapts a function to CompletionOracle.
type OracleFunc func(ctx context.Context) (bool, error)

func (f OracleFunc) Confirm(ctx context.Context) (bool, error) { return f(ctx) }

// Diagnostic records one failed attempt for escalation reporting.
type Diagnostic struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Exhausted is the terminal failure returned once MaxAttempts is spent.
// It carries the trailing attempts' diagnostics for the escalation
// path.
type Exhausted struct {
	Attempts    int
	Diagnostics []Diagnostic
	Last        error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *Exhausted) Unwrap() error { return e.Last }

// permanentError marks an error non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err non-retryable: the controller returns it
// immediately instead of burning remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Controller runs operations under a Policy.
type Controller struct {
	policy Policy

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	// jitter picks a random delay in [0, d): full jitter.
	jitter func(d time.Duration) time.Duration
}

// New creates a Controller. A zero or negative MaxAttempts is treated
// as one.
func New(policy Policy) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.DiagnosticsDepth <= 0 {
		policy.DiagnosticsDepth = defaultDiagnosticsDepth
	}
	return &Controller{
		policy: policy,
		sleep:  sleepCtx,
		jitter: fullJitter,
	}
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy { return c.policy }

// Do runs op under the controller's policy. After op reports success,
// the oracle (if non-nil) is consulted; a negative or failed probe is
// treated as a retryable failure. Once MaxAttempts is exhausted the
// returned error is a *Exhausted. An error wrapped with Permanent, or
// a cancelled context, stops the loop immediately.
func Do[T any](ctx context.Context, c *Controller, op func(ctx context.Context) (T, error), oracle CompletionOracle) (T, error) {
	var zero T
	var diags []Diagnostic
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return zero, err
			}
		}

		result, err := op(ctx)
		if err == nil {
			err = c.probe(ctx, oracle)
			if err == nil {
				return result, nil
			}
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastErr = err
		diags = append(diags, Diagnostic{Attempt: attempt, Error: err.Error(), At: time.Now()})
		if len(diags) > c.policy.DiagnosticsDepth {
			diags = diags[1:]
		}
	}

	return zero, &Exhausted{
		Attempts:    c.policy.MaxAttempts,
		Diagnostics: diags,
		Last:        lastErr,
	}
}

// probe runs the completion oracle after a reported success.
func (c *Controller) probe(ctx context.Context, oracle CompletionOracle) error {
	if oracle == nil {
		return nil
	}
	done, err := oracle.Confirm(ctx)
	if err != nil {
		return fmt.Errorf("completion probe: %w", err)
	}
	if !done {
		return errors.New("operation reported success but completion probe disagrees")
	}
	return nil
}

// backoff computes the capped exponential delay for the given completed
// attempt count, with full jitter applied.
func (c *Controller) backoff(completed int) time.Duration {
	d := float64(c.policy.BaseDelay) * math.Pow(c.policy.Multiplier, float64(completed-1))
	if max := float64(c.policy.MaxDelay); c.policy.MaxDelay > 0 && d > max {
		d = max
	}
	return c.jitter(time.Duration(d))
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
