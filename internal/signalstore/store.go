// Package signalstore defines the shared document store used as the
// coordination medium for call state. The store is the source of truth:
// every mutation is a blind last-writer-wins write, and every observation
// is a full-snapshot replacement delivered through a cancelable watch.
package signalstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"echolink-backend/internal/domain"
)

// Patch is a partial update applied to a call record. Nil fields are left
// untouched; set fields overwrite unconditionally (no optimistic concurrency).
type Patch struct {
	Status     *domain.CallStatus
	AnsweredBy *uuid.UUID
	AnsweredAt *time.Time
	DeclinedBy *uuid.UUID
	EndedAt    *time.Time
	Duration   *int
}

// Query selects the aggregate set of calls relevant to one participant.
type Query struct {
	Participant uuid.UUID
	Statuses    []domain.CallStatus
}

// Matches reports whether the record satisfies the query
func (q Query) Matches(c *domain.CallRecord) bool {
	if !c.HasParticipant(q.Participant) {
		return false
	}
	for _, s := range q.Statuses {
		if c.Status == s {
			return true
		}
	}
	return len(q.Statuses) == 0
}

// RecordSnapshot is one notification from a single-record watch. Exists is
// false when the record can no longer be resolved; observers must treat that
// as equivalent to an ended call.
type RecordSnapshot struct {
	Record *domain.CallRecord
	Exists bool
}

// Watch is a live aggregate subscription. C delivers full result-set
// snapshots until Cancel is called; it never terminates on its own.
// Delivery is at-least-once and not order-guaranteed across records, so
// consumers must replace, never diff. Cancel is safe to call more than once;
// after it returns no further snapshot is delivered.
type Watch struct {
	C      <-chan []*domain.CallRecord
	cancel func()
}

// NewWatch wraps a snapshot channel and its cancel hook. Intended for store
// implementations.
func NewWatch(c <-chan []*domain.CallRecord, cancel func()) *Watch {
	return &Watch{C: c, cancel: cancel}
}

// Cancel stops the subscription
func (w *Watch) Cancel() {
	if w.cancel != nil {
		w.cancel()
	}
}

// RecordWatch is a live single-record subscription with the same delivery
// and cancellation semantics as Watch.
type RecordWatch struct {
	C      <-chan RecordSnapshot
	cancel func()
}

// NewRecordWatch wraps a record snapshot channel and its cancel hook
func NewRecordWatch(c <-chan RecordSnapshot, cancel func()) *RecordWatch {
	return &RecordWatch{C: c, cancel: cancel}
}

// Cancel stops the subscription
func (w *RecordWatch) Cancel() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Store is the abstract signaling store contract. Implementations assign
// record IDs and creation timestamps on Create and tolerate redundant
// writes idempotently.
type Store interface {
	// Create persists a new call record, assigning ID and StartedAt.
	Create(ctx context.Context, call *domain.CallRecord) (string, error)

	// Update applies a blind partial update to an existing record.
	Update(ctx context.Context, id string, patch Patch) error

	// Get resolves a single record; domain.ErrCallNotFound when absent.
	Get(ctx context.Context, id string) (*domain.CallRecord, error)

	// Watch subscribes to the aggregate result set of q.
	Watch(ctx context.Context, q Query) (*Watch, error)

	// WatchOne subscribes to a single record by id. The watch keeps
	// delivering (with Exists false) if the record disappears.
	WatchOne(ctx context.Context, id string) (*RecordWatch, error)
}
