// Package scheduler admits remediation tasks under per-scope
// concurrency semaphores.
//
// Admission hands out a lease with a TTL. A holder that stops renewing
// (crashed run, wedged agent) is reclaimed by the reaper so the slot is
// never leaked, and FIFO waiters are admitted as slots free up. The
// scheduler's accounting is the single source of truth for how many
// remediations are in flight per scope.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/scheduler"

// Mode selects what Submit does when a scope is at capacity.
type Mode string

const (
	// ModeBlock queues the caller FIFO until a slot frees up or its
	// context is done.
	ModeBlock Mode = "block"
	// ModeReject returns *AdmissionRejected immediately.
	ModeReject Mode = "reject"
)

// Config tunes the scheduler.
type Config struct {
	// CapacityPerScope is the semaphore size for each scope.
	CapacityPerScope int

	// Mode is the at-capacity behavior.
	Mode Mode

	// LeaseTTL is how long an admission stays valid without renewal.
	LeaseTTL time.Duration

	// ReapInterval is how often expired leases are reclaimed.
	ReapInterval time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		CapacityPerScope: 2,
		Mode:             ModeBlock,
		LeaseTTL:         30 * time.Minute,
		ReapInterval:     time.Minute,
	}
}

// AdmissionRejected reports a scope at capacity in ModeReject. The
// caller decides requeue-vs-drop.
type AdmissionRejected struct {
	Scope    string
	Capacity int
}

func (e *AdmissionRejected) Error() string {
	return fmt.Sprintf("scope %s at capacity (%d concurrent remediations)", e.Scope, e.Capacity)
}

// Task is one admitted remediation attempt. Tasks are immutable; a
// retry is a new Task with Attempt+1 referencing the same record.
type Task struct {
	RecordID int64
	Persona  persona.Persona
	Scope    string
	Attempt  int

	// LeaseID identifies the semaphore slot this task holds.
	LeaseID string
}

type lease struct {
	id       string
	scope    string
	recordID int64
	expires  time.Time
}

type waiter struct {
	ready    chan string // receives lease id on admission
	recordID int64
	canceled bool
}

type scopeState struct {
	leases  map[string]*lease
	waiters []*waiter
}

// Scheduler is the per-scope admission gate.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	scopes map[string]*scopeState

	inFlight  metric.Int64UpDownCounter
	queued    metric.Int64UpDownCounter
	reclaimed metric.Int64Counter
}

// New creates a Scheduler.
func New(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.CapacityPerScope < 1 {
		return nil, fmt.Errorf("capacity per scope must be at least 1, got %d", cfg.CapacityPerScope)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBlock
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		scopes: make(map[string]*scopeState),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.inFlight, err = meter.Int64UpDownCounter(
		"remedyd.scheduler.in_flight",
		metric.WithDescription("Remediation tasks currently admitted, per scope"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating in_flight metric: %w", err)
	}
	s.queued, err = meter.Int64UpDownCounter(
		"remedyd.scheduler.queued",
		metric.WithDescription("Submissions waiting for a semaphore slot, per scope"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queued metric: %w", err)
	}
	s.reclaimed, err = meter.Int64Counter(
		"remedyd.scheduler.leases_reclaimed",
		metric.WithDescription("Expired leases reclaimed by the reaper"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating leases_reclaimed metric: %w", err)
	}

	return s, nil
}

// Submit requests admission for one remediation attempt. In ModeBlock
// it waits FIFO for a slot; in ModeReject it returns
// *AdmissionRejected when the scope is full. The returned Task holds a
// live lease that the caller must Release when the workflow reaches a
// terminal state, and should Renew while work is in progress.
func (s *Scheduler) Submit(ctx context.Context, recordID int64, p persona.Persona, scope string, attempt int) (*Task, error) {
	s.mu.Lock()
	state := s.scope(scope)

	if len(state.leases) < s.cfg.CapacityPerScope {
		id := s.admitLocked(state, scope, recordID)
		s.mu.Unlock()
		return &Task{RecordID: recordID, Persona: p, Scope: scope, Attempt: attempt, LeaseID: id}, nil
	}

	if s.cfg.Mode == ModeReject {
		s.mu.Unlock()
		return nil, &AdmissionRejected{Scope: scope, Capacity: s.cfg.CapacityPerScope}
	}

	w := &waiter{ready: make(chan string, 1), recordID: recordID}
	state.waiters = append(state.waiters, w)
	s.mu.Unlock()
	s.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
	defer s.queued.Add(ctx, -1, metric.WithAttributes(attribute.String("scope", scope)))

	select {
	case id := <-w.ready:
		return &Task{RecordID: recordID, Persona: p, Scope: scope, Attempt: attempt, LeaseID: id}, nil
	case <-ctx.Done():
		s.mu.Lock()
		w.canceled = true
		s.mu.Unlock()
		// The slot may have been handed over while we were canceling.
		select {
		case id := <-w.ready:
			s.Release(id)
		default:
		}
		return nil, ctx.Err()
	}
}

// Renew extends a lease's TTL. It returns false if the lease is no
// longer held (released or reclaimed).
func (s *Scheduler) Renew(leaseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.scopes {
		if l, ok := state.leases[leaseID]; ok {
			l.expires = s.now().Add(s.cfg.LeaseTTL)
			return true
		}
	}
	return false
}

// Release frees a lease's slot and admits the next FIFO waiter, if
// any. Releasing an already-released lease is a no-op, so a crash-path
// defer and a normal-path release cannot double-free the slot.
func (s *Scheduler) Release(leaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scope, state := range s.scopes {
		if _, ok := state.leases[leaseID]; ok {
			s.releaseLocked(state, scope, leaseID)
			return
		}
	}
}

// InFlight reports the number of admitted tasks for a scope.
func (s *Scheduler) InFlight(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.scopes[scope]; ok {
		return len(state.leases)
	}
	return 0
}

// QueueDepth reports how many submissions are waiting for a scope.
func (s *Scheduler) QueueDepth(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.scopes[scope]; ok {
		n := 0
		for _, w := range state.waiters {
			if !w.canceled {
				n++
			}
		}
		return n
	}
	return 0
}

// Run reaps expired leases until ctx is done. Call it in its own
// goroutine alongside the server.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap reclaims every expired lease and admits waiters into the freed
// slots.
func (s *Scheduler) reap(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for scope, state := range s.scopes {
		for id, l := range state.leases {
			if now.Before(l.expires) {
				continue
			}
			s.logger.Warn("reclaiming expired lease",
				zap.String("lease_id", id),
				zap.String("scope", scope),
				zap.Int64("record_id", l.recordID),
			)
			s.releaseLocked(state, scope, id)
			s.reclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
		}
	}
}

// scope returns the state for a scope, creating it on first use.
// Caller holds s.mu.
func (s *Scheduler) scope(name string) *scopeState {
	state, ok := s.scopes[name]
	if !ok {
		state = &scopeState{leases: make(map[string]*lease)}
		s.scopes[name] = state
	}
	return state
}

// admitLocked creates a lease in the scope. Caller holds s.mu.
func (s *Scheduler) admitLocked(state *scopeState, scope string, recordID int64) string {
	id := uuid.NewString()
	state.leases[id] = &lease{
		id:       id,
		scope:    scope,
		recordID: recordID,
		expires:  s.now().Add(s.cfg.LeaseTTL),
	}
	s.inFlight.Add(context.Background(), 1, metric.WithAttributes(attribute.String("scope", scope)))
	return id
}

// releaseLocked frees a lease and hands its slot to the next live FIFO
// waiter. Caller holds s.mu.
func (s *Scheduler) releaseLocked(state *scopeState, scope string, leaseID string) {
	delete(state.leases, leaseID)
	s.inFlight.Add(context.Background(), -1, metric.WithAttributes(attribute.String("scope", scope)))

	for len(state.waiters) > 0 {
		w := state.waiters[0]
		state.waiters = state.waiters[1:]
		if w.canceled {
			continue
		}
		// Hand the slot directly to the waiter: the lease is created
		// before anyone else can observe the freed capacity.
		id := s.admitLocked(state, scope, w.recordID)
		w.ready <- id
		return
	}
}
