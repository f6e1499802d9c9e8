package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storefront-edge/internal/event"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

type SessionEventRepository struct {
	pool *pgxpool.Pool
}

func NewSessionEventRepository(pool *pgxpool.Pool) *SessionEventRepository {
	return &SessionEventRepository{pool: pool}
}

func (r *SessionEventRepository) Insert(ctx context.Context, e event.Event) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_events (id, event_type, user_id, path, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.UserID, e.Path, e.Detail, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// InsertBatch writes several events in one round trip.
func (r *SessionEventRepository) InsertBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(
			`INSERT INTO session_events (id, event_type, user_id, path, detail, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, string(e.Type), e.UserID, e.Path, e.Detail, e.OccurredAt)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert session events: %w", err)
	}
	return nil
}

// Recent returns a user's latest events, newest first.
func (r *SessionEventRepository) Recent(ctx context.Context, userID string, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, event_type, user_id, path, detail, occurred_at
		 FROM session_events
		 WHERE user_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	events := make([]event.Event, 0)
	for rows.Next() {
		var e event.Event
		var eventType string
		var occurredAt time.Time
		if err := rows.Scan(&e.ID, &eventType, &e.UserID, &e.Path, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		e.Type = event.Type(eventType)
		e.OccurredAt = occurredAt.UTC()
		events = append(events, e)
	}

	return events, rows.Err()
}
