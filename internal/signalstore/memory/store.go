// Package memory provides an in-process signaling store with snapshot
// fan-out. It backs tests and single-node deployments; semantics mirror the
// hosted store: last-writer-wins updates, full-snapshot watch delivery,
// cancel-once subscriptions.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/signalstore"
)

const watchBuffer = 16

// Store is an in-memory signalstore.Store
type Store struct {
	mu      sync.Mutex
	calls   map[string]*domain.CallRecord
	queries map[*queryWatcher]struct{}
	records map[string]map[*recordWatcher]struct{}
}

type queryWatcher struct {
	q  signalstore.Query
	ch chan []*domain.CallRecord
}

type recordWatcher struct {
	id string
	ch chan signalstore.RecordSnapshot
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		calls:   make(map[string]*domain.CallRecord),
		queries: make(map[*queryWatcher]struct{}),
		records: make(map[string]map[*recordWatcher]struct{}),
	}
}

// Create persists a new call record, assigning its ID and creation timestamp
func (s *Store) Create(_ context.Context, call *domain.CallRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := call.Clone()
	rec.ID = uuid.New().String()
	rec.StartedAt = time.Now().UTC()
	s.calls[rec.ID] = rec

	call.ID = rec.ID
	call.StartedAt = rec.StartedAt

	s.notifyLocked(rec.ID)
	return rec.ID, nil
}

// Update applies a blind partial update; missing fields are left untouched
func (s *Store) Update(_ context.Context, id string, patch signalstore.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[id]
	if !ok {
		return domain.ErrCallNotFound
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.AnsweredBy != nil {
		rec.AnsweredBy = patch.AnsweredBy
	}
	if patch.AnsweredAt != nil {
		rec.AnsweredAt = patch.AnsweredAt
	}
	if patch.DeclinedBy != nil {
		rec.DeclinedBy = patch.DeclinedBy
	}
	if patch.EndedAt != nil {
		rec.EndedAt = patch.EndedAt
	}
	if patch.Duration != nil {
		rec.Duration = *patch.Duration
	}

	s.notifyLocked(id)
	return nil
}

// Get resolves a single record
func (s *Store) Get(_ context.Context, id string) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[id]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	return rec.Clone(), nil
}

// Delete removes a record, notifying single-record watchers with a
// not-found snapshot. The session layer never deletes; this exists so
// operators (and tests) can exercise the record-vanished path.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[id]; !ok {
		return domain.ErrCallNotFound
	}
	delete(s.calls, id)
	s.notifyLocked(id)
	return nil
}

// Watch subscribes to the aggregate result set of q. The current snapshot
// is delivered immediately.
func (s *Store) Watch(_ context.Context, q signalstore.Query) (*signalstore.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &queryWatcher{q: q, ch: make(chan []*domain.CallRecord, watchBuffer)}
	s.queries[w] = struct{}{}
	pushQuery(w.ch, s.snapshotLocked(q))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.queries, w)
			close(w.ch)
			s.mu.Unlock()
		})
	}
	return signalstore.NewWatch(w.ch, cancel), nil
}

// WatchOne subscribes to a single record by id. The current state (present
// or not) is delivered immediately.
func (s *Store) WatchOne(_ context.Context, id string) (*signalstore.RecordWatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &recordWatcher{id: id, ch: make(chan signalstore.RecordSnapshot, watchBuffer)}
	if s.records[id] == nil {
		s.records[id] = make(map[*recordWatcher]struct{})
	}
	s.records[id][w] = struct{}{}
	pushRecord(w.ch, s.recordSnapshotLocked(id))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.records[id], w)
			if len(s.records[id]) == 0 {
				delete(s.records, id)
			}
			close(w.ch)
			s.mu.Unlock()
		})
	}
	return signalstore.NewRecordWatch(w.ch, cancel), nil
}

func (s *Store) snapshotLocked(q signalstore.Query) []*domain.CallRecord {
	var out []*domain.CallRecord
	for _, rec := range s.calls {
		if q.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (s *Store) recordSnapshotLocked(id string) signalstore.RecordSnapshot {
	if rec, ok := s.calls[id]; ok {
		return signalstore.RecordSnapshot{Record: rec.Clone(), Exists: true}
	}
	return signalstore.RecordSnapshot{}
}

// notifyLocked fans the new ground truth out to every affected watcher.
// Caller holds s.mu, so no send can race a cancel's close.
func (s *Store) notifyLocked(id string) {
	for w := range s.queries {
		pushQuery(w.ch, s.snapshotLocked(w.q))
	}
	for w := range s.records[id] {
		pushRecord(w.ch, s.recordSnapshotLocked(id))
	}
}

// pushQuery delivers a snapshot, evicting the oldest queued one when the
// consumer lags. The latest value always lands; intermediate states may be
// skipped, which watchers must tolerate anyway.
func pushQuery(ch chan []*domain.CallRecord, snap []*domain.CallRecord) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func pushRecord(ch chan signalstore.RecordSnapshot, snap signalstore.RecordSnapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
