package repository

import (
	"context"
	"errors"
	"fmt"

	"controlplane/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PlanRepository reads the locally cached billing plans.
type PlanRepository interface {
	GetByProductRef(ctx context.Context, productRef string) (*model.Plan, bool, error)
}

type planRepo struct {
	pool *pgxpool.Pool
}

// NewPlanRepo creates a new PlanRepository.
func NewPlanRepo(pool *pgxpool.Pool) PlanRepository {
	return &planRepo{pool: pool}
}

// GetByProductRef returns the cached plan for a provider product reference.
func (r *planRepo) GetByProductRef(ctx context.Context, productRef string) (*model.Plan, bool, error) {
	const q = `SELECT id, product_ref, name FROM plans WHERE product_ref = $1`
	var p model.Plan
	err := r.pool.QueryRow(ctx, q, productRef).Scan(&p.ID, &p.ProductRef, &p.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch plan for product %s: %w", productRef, err)
	}
	return &p, true, nil
}
