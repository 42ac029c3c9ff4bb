package repository

import (
	"context"
	"fmt"

	"controlplane/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// UnlinkedEventRepository records billing events that matched no user record.
type UnlinkedEventRepository interface {
	Create(ctx context.Context, e *model.UnlinkedEvent) error
	ListRecent(ctx context.Context, limit int) ([]model.UnlinkedEvent, error)
}

type unlinkedEventRepo struct {
	pool *pgxpool.Pool
}

func NewUnlinkedEventRepo(pool *pgxpool.Pool) UnlinkedEventRepository {
	return &unlinkedEventRepo{pool: pool}
}

func (r *unlinkedEventRepo) Create(ctx context.Context, e *model.UnlinkedEvent) error {
	const q = `
		INSERT INTO unlinked_billing_events (event_id, event_type, customer_ref, correlation_key, email, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, q, e.EventID, e.EventType, e.CustomerRef, e.CorrelationKey, e.Email, e.Reason).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert unlinked event %s: %w", e.EventID, err)
	}
	return nil
}

func (r *unlinkedEventRepo) ListRecent(ctx context.Context, limit int) ([]model.UnlinkedEvent, error) {
	const q = `
		SELECT id, event_id, event_type, customer_ref, correlation_key, email, reason, created_at
		FROM unlinked_billing_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query unlinked events: %w", err)
	}
	defer rows.Close()

	events := []model.UnlinkedEvent{}
	for rows.Next() {
		var e model.UnlinkedEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.CustomerRef, &e.CorrelationKey, &e.Email, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unlinked event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unlinked events: %w", err)
	}
	return events, nil
}
