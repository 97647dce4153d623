// Package cockroach persists finished calls for the history API. The
// signaling store stays the source of truth for live state; this archive
// only ever sees terminal records.
package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"echolink-backend/internal/domain"
	"echolink-backend/pkg/metrics"
)

// CallHistoryRepository handles call archive operations
type CallHistoryRepository struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewCallHistoryRepository creates a new call history repository. m may be nil.
func NewCallHistoryRepository(pool *pgxpool.Pool, m *metrics.Metrics) *CallHistoryRepository {
	return &CallHistoryRepository{pool: pool, metrics: m}
}

// EnsureSchema creates the archive table when it does not exist yet
func (r *CallHistoryRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS call_history (
			call_id      TEXT PRIMARY KEY,
			chat_id      TEXT NOT NULL,
			initiator_id UUID NOT NULL,
			participants TEXT[] NOT NULL,
			call_type    TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   TIMESTAMPTZ NOT NULL,
			answered_at  TIMESTAMPTZ,
			ended_at     TIMESTAMPTZ,
			duration     INT NOT NULL DEFAULT 0
		)
	`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create call_history table: %w", err)
	}
	return nil
}

// RecordCall archives a terminal call. Idempotent: re-archiving the same
// call overwrites its terminal fields, so at-least-once delivery is safe.
func (r *CallHistoryRepository) RecordCall(ctx context.Context, call *domain.CallRecord) error {
	query := `
		UPSERT INTO call_history (
			call_id, chat_id, initiator_id, participants, call_type,
			status, started_at, answered_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	participants := make([]string, 0, len(call.Participants)+1)
	participants = append(participants, call.InitiatorID.String())
	for _, p := range call.Participants {
		participants = append(participants, p.String())
	}

	start := time.Now()
	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.ChatID,
		call.InitiatorID,
		participants,
		string(call.Type),
		string(call.Status),
		call.StartedAt,
		call.AnsweredAt,
		call.EndedAt,
		call.Duration,
	)
	if r.metrics != nil {
		r.metrics.RecordDBQuery("upsert", "call_history", time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("failed to archive call: %w", err)
	}
	return nil
}

// GetUserCalls pages through a user's archived calls, newest first
func (r *CallHistoryRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, chat_id, initiator_id, participants, call_type,
		       status, started_at, answered_at, ended_at, duration
		FROM call_history
		WHERE $1::TEXT = ANY(participants)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	start := time.Now()
	rows, err := r.pool.Query(ctx, query, userID.String(), limit, offset)
	if r.metrics != nil {
		r.metrics.RecordDBQuery("select", "call_history", time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallRecord
	for rows.Next() {
		var (
			call         domain.CallRecord
			participants []string
			callType     string
			status       string
		)
		err := rows.Scan(
			&call.ID,
			&call.ChatID,
			&call.InitiatorID,
			&participants,
			&callType,
			&status,
			&call.StartedAt,
			&call.AnsweredAt,
			&call.EndedAt,
			&call.Duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}

		call.Type = domain.CallType(callType)
		call.Status = domain.CallStatus(status)
		for _, p := range participants {
			id, err := uuid.Parse(p)
			if err != nil {
				continue
			}
			if id == call.InitiatorID {
				continue
			}
			call.Participants = append(call.Participants, id)
		}
		calls = append(calls, &call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user calls: %w", err)
	}

	return calls, nil
}
