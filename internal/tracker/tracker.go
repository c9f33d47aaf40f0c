// Package tracker owns the durable tracking record opened for each
// alert.
//
// The tracking record is the long-lived anchor of a remediation: it is
// created exactly once per dedupe key, survives retries, and is the
// place escalation diagnostics land when a workflow gives up. Records
// are never deleted by this package; retention is an external policy.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
)

// State is the tracking record lifecycle. Transitions are monotonic: a
// resolved or escalated record is never reopened; a new alert opens a
// new record.
type State string

const (
	StateOpen      State = "open"
	StateResolved  State = "resolved"
	StateEscalated State = "escalated"
)

// TrackingRecord is one tracked remediation.
type TrackingRecord struct {
	// ID is assigned once by the backing store and never changes.
	ID int64 `json:"id"`

	// Alert is the owning alert.
	Alert alert.Alert `json:"alert"`

	State State `json:"state"`

	CreatedAt time.Time `json:"created_at"`

	// LinkedPR is set on resolution.
	LinkedPR string `json:"linked_pr,omitempty"`

	// Diagnostics are set on escalation.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Tracker is the issue-tracking protocol. Implementations must make
// EnsureTrackingRecord idempotent: concurrent calls with the same
// dedupe key return the same record, with exactly one caller observing
// created=true.
type Tracker interface {
	// EnsureTrackingRecord returns the record for the alert's dedupe
	// key, creating it if absent.
	EnsureTrackingRecord(ctx context.Context, a alert.Alert) (*TrackingRecord, bool, error)

	// RecordResolution marks the record resolved with the linked PR.
	// Called on an already-terminal record it is a logged no-op.
	RecordResolution(ctx context.Context, id int64, linkedPR string) error

	// RecordEscalation marks the record escalated with diagnostics.
	// Called on an already-terminal record it is a logged no-op.
	RecordEscalation(ctx context.Context, id int64, diagnostics []string) error

	// Get returns the record by id.
	Get(ctx context.Context, id int64) (*TrackingRecord, error)
}

// SyncError reports an unavailable backing store. Callers retry it
// with backoff; swallowing it would orphan an alert.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("tracking store sync failed during %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ErrNotFound reports an unknown record id.
var ErrNotFound = fmt.Errorf("tracking record not found")

// FixesReference renders the resolution reference attached to a
// produced change. The exact "Fixes #<id>" form is a hard contract:
// the external tracker parses it to auto-close records.
func FixesReference(id int64) string {
	return fmt.Sprintf("Fixes #%d", id)
}
