// Package firestore adapts Cloud Firestore as the signaling store. Watches
// map onto Firestore snapshot listeners; transient listener failures are
// retried with backoff after surfacing an empty snapshot, so consumers
// degrade to "no active call" instead of crashing.
package firestore

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/signalstore"
	"echolink-backend/pkg/logger"
)

const (
	watchBuffer  = 16
	retryBackoff = 2 * time.Second
)

// Store is a Firestore-backed signalstore.Store
type Store struct {
	client     *firestore.Client
	collection string
}

// NewStore creates a store over the given Firestore client. Collection
// defaults to "calls" when empty.
func NewStore(client *firestore.Client, collection string) *Store {
	if collection == "" {
		collection = "calls"
	}
	return &Store{client: client, collection: collection}
}

// callDoc is the persisted shape of a call record
type callDoc struct {
	ChatID       string     `firestore:"chatId"`
	InitiatorID  string     `firestore:"initiatorId"`
	Participants []string   `firestore:"participants"`
	Type         string     `firestore:"type"`
	Status       string     `firestore:"status"`
	StartedAt    time.Time  `firestore:"startedAt,serverTimestamp"`
	AnsweredBy   string     `firestore:"answeredBy,omitempty"`
	AnsweredAt   *time.Time `firestore:"answeredAt,omitempty"`
	DeclinedBy   string     `firestore:"declinedBy,omitempty"`
	EndedAt      *time.Time `firestore:"endedAt,omitempty"`
	Duration     int        `firestore:"duration,omitempty"`
}

func toDoc(call *domain.CallRecord) callDoc {
	// The stored array includes the initiator so array-contains participant
	// queries match both sides of the call
	participants := make([]string, 0, len(call.Participants)+1)
	participants = append(participants, call.InitiatorID.String())
	for _, p := range call.Participants {
		participants = append(participants, p.String())
	}
	return callDoc{
		ChatID:       call.ChatID,
		InitiatorID:  call.InitiatorID.String(),
		Participants: participants,
		Type:         string(call.Type),
		Status:       string(call.Status),
	}
}

func fromDoc(id string, doc callDoc) (*domain.CallRecord, error) {
	initiator, err := uuid.Parse(doc.InitiatorID)
	if err != nil {
		return nil, err
	}
	rec := &domain.CallRecord{
		ID:          id,
		ChatID:      doc.ChatID,
		InitiatorID: initiator,
		Type:        domain.CallType(doc.Type),
		Status:      domain.CallStatus(doc.Status),
		StartedAt:   doc.StartedAt,
		AnsweredAt:  doc.AnsweredAt,
		EndedAt:     doc.EndedAt,
		Duration:    doc.Duration,
	}
	for _, p := range doc.Participants {
		pid, err := uuid.Parse(p)
		if err != nil {
			return nil, err
		}
		// Participants holds remotes only; the initiator is implicit
		if pid == initiator {
			continue
		}
		rec.Participants = append(rec.Participants, pid)
	}
	if doc.AnsweredBy != "" {
		if pid, err := uuid.Parse(doc.AnsweredBy); err == nil {
			rec.AnsweredBy = &pid
		}
	}
	if doc.DeclinedBy != "" {
		if pid, err := uuid.Parse(doc.DeclinedBy); err == nil {
			rec.DeclinedBy = &pid
		}
	}
	return rec, nil
}

// Create persists a new call document; Firestore assigns the document ID
// and the server fills the creation timestamp
func (s *Store) Create(ctx context.Context, call *domain.CallRecord) (string, error) {
	ref, wr, err := s.client.Collection(s.collection).Add(ctx, toDoc(call))
	if err != nil {
		return "", domain.ErrSignalingUnavailable
	}
	call.ID = ref.ID
	call.StartedAt = wr.UpdateTime
	return ref.ID, nil
}

// Update applies a blind partial update to the document
func (s *Store) Update(ctx context.Context, id string, patch signalstore.Patch) error {
	var updates []firestore.Update
	if patch.Status != nil {
		updates = append(updates, firestore.Update{Path: "status", Value: string(*patch.Status)})
	}
	if patch.AnsweredBy != nil {
		updates = append(updates, firestore.Update{Path: "answeredBy", Value: patch.AnsweredBy.String()})
	}
	if patch.AnsweredAt != nil {
		updates = append(updates, firestore.Update{Path: "answeredAt", Value: *patch.AnsweredAt})
	}
	if patch.DeclinedBy != nil {
		updates = append(updates, firestore.Update{Path: "declinedBy", Value: patch.DeclinedBy.String()})
	}
	if patch.EndedAt != nil {
		updates = append(updates, firestore.Update{Path: "endedAt", Value: *patch.EndedAt})
	}
	if patch.Duration != nil {
		updates = append(updates, firestore.Update{Path: "duration", Value: *patch.Duration})
	}
	if len(updates) == 0 {
		return nil
	}

	_, err := s.client.Collection(s.collection).Doc(id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return domain.ErrCallNotFound
	}
	if err != nil {
		return domain.ErrSignalingUnavailable
	}
	return nil
}

// Get resolves a single call document
func (s *Store) Get(ctx context.Context, id string) (*domain.CallRecord, error) {
	ds, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, domain.ErrSignalingUnavailable
	}
	var doc callDoc
	if err := ds.DataTo(&doc); err != nil {
		return nil, err
	}
	return fromDoc(ds.Ref.ID, doc)
}

// Watch subscribes to the aggregate query via a Firestore snapshot listener
func (s *Store) Watch(ctx context.Context, q signalstore.Query) (*signalstore.Watch, error) {
	wctx, cancel := context.WithCancel(ctx)
	ch := make(chan []*domain.CallRecord, watchBuffer)
	go s.runQueryWatch(wctx, q, ch)

	var once sync.Once
	return signalstore.NewWatch(ch, func() { once.Do(cancel) }), nil
}

func (s *Store) runQueryWatch(ctx context.Context, q signalstore.Query, ch chan []*domain.CallRecord) {
	defer close(ch)

	statuses := make([]string, len(q.Statuses))
	for i, st := range q.Statuses {
		statuses[i] = string(st)
	}
	query := s.client.Collection(s.collection).
		Where("participants", "array-contains", q.Participant.String())
	if len(statuses) > 0 {
		query = query.Where("status", "in", statuses)
	}

	for {
		it := query.Snapshots(ctx)
		for {
			qs, err := it.Next()
			if err != nil {
				break
			}
			snap := s.collectSnapshot(qs)
			if !send(ctx, ch, snap) {
				it.Stop()
				return
			}
		}
		it.Stop()
		if ctx.Err() != nil {
			return
		}
		// Listener failed: degrade to an empty call set and retry
		logger.Warn("call watch listener failed, retrying",
			zap.String("participant", q.Participant.String()))
		if !send(ctx, ch, nil) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryBackoff):
		}
	}
}

func (s *Store) collectSnapshot(qs *firestore.QuerySnapshot) []*domain.CallRecord {
	var out []*domain.CallRecord
	docs := qs.Documents
	for {
		ds, err := docs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			break
		}
		var doc callDoc
		if err := ds.DataTo(&doc); err != nil {
			logger.Warn("skipping malformed call document",
				zap.String("doc_id", ds.Ref.ID), zap.Error(err))
			continue
		}
		rec, err := fromDoc(ds.Ref.ID, doc)
		if err != nil {
			logger.Warn("skipping call document with bad participant ids",
				zap.String("doc_id", ds.Ref.ID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// WatchOne subscribes to a single call document
func (s *Store) WatchOne(ctx context.Context, id string) (*signalstore.RecordWatch, error) {
	wctx, cancel := context.WithCancel(ctx)
	ch := make(chan signalstore.RecordSnapshot, watchBuffer)
	go s.runRecordWatch(wctx, id, ch)

	var once sync.Once
	return signalstore.NewRecordWatch(ch, func() { once.Do(cancel) }), nil
}

func (s *Store) runRecordWatch(ctx context.Context, id string, ch chan signalstore.RecordSnapshot) {
	defer close(ch)

	ref := s.client.Collection(s.collection).Doc(id)
	for {
		it := ref.Snapshots(ctx)
		for {
			ds, err := it.Next()
			if err != nil {
				break
			}
			snap := signalstore.RecordSnapshot{}
			if ds.Exists() {
				var doc callDoc
				if err := ds.DataTo(&doc); err == nil {
					if rec, err := fromDoc(id, doc); err == nil {
						snap = signalstore.RecordSnapshot{Record: rec, Exists: true}
					}
				}
			}
			if !send(ctx, ch, snap) {
				it.Stop()
				return
			}
		}
		it.Stop()
		if ctx.Err() != nil {
			return
		}
		logger.Warn("call record listener failed, retrying", zap.String("call_id", id))
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryBackoff):
		}
	}
}

func send[T any](ctx context.Context, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}
