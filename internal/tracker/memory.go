package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
)

// MemoryTracker is the in-process Tracker. The dedupe map insert is a
// single check-and-set under one mutex, which makes EnsureTrackingRecord
// atomic with respect to concurrent callers.
type MemoryTracker struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID int64
	byKey  map[string]*TrackingRecord
	byID   map[int64]*TrackingRecord
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker(logger *zap.Logger) *MemoryTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTracker{
		logger: logger,
		byKey:  make(map[string]*TrackingRecord),
		byID:   make(map[int64]*TrackingRecord),
	}
}

// EnsureTrackingRecord returns the record for the alert's dedupe key,
// inserting a new one if absent.
func (t *MemoryTracker) EnsureTrackingRecord(_ context.Context, a alert.Alert) (*TrackingRecord, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.byKey[a.DedupeKey]; ok {
		return cloneRecord(rec), false, nil
	}

	t.nextID++
	rec := &TrackingRecord{
		ID:        t.nextID,
		Alert:     a,
		State:     StateOpen,
		CreatedAt: time.Now(),
	}
	t.byKey[a.DedupeKey] = rec
	t.byID[rec.ID] = rec
	return cloneRecord(rec), true, nil
}

// RecordResolution marks the record resolved. Resolution is monotonic:
// a second terminal transition is a logged no-op.
func (t *MemoryTracker) RecordResolution(_ context.Context, id int64, linkedPR string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StateOpen {
		t.logger.Warn("ignoring resolution for terminal record",
			zap.Int64("record_id", id),
			zap.String("state", string(rec.State)),
		)
		return nil
	}
	rec.State = StateResolved
	rec.LinkedPR = linkedPR
	return nil
}

// RecordEscalation marks the record escalated with diagnostics.
func (t *MemoryTracker) RecordEscalation(_ context.Context, id int64, diagnostics []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StateOpen {
		t.logger.Warn("ignoring escalation for terminal record",
			zap.Int64("record_id", id),
			zap.String("state", string(rec.State)),
		)
		return nil
	}
	rec.State = StateEscalated
	rec.Diagnostics = append([]string(nil), diagnostics...)
	return nil
}

// Get returns the record by id.
func (t *MemoryTracker) Get(_ context.Context, id int64) (*TrackingRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// cloneRecord copies a record so callers cannot mutate tracker state.
func cloneRecord(rec *TrackingRecord) *TrackingRecord {
	c := *rec
	c.Diagnostics = append([]string(nil), rec.Diagnostics...)
	return &c
}
