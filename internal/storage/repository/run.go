package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// RunRepository implements model.RunRepository on PostgreSQL.
type RunRepository struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewRunRepository creates a new collection run repository.
func NewRunRepository(db *bun.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Create inserts a new run.
func (r *RunRepository) Create(ctx context.Context, run *model.CollectionRun) error {
	_, err := r.db.NewInsert().
		Model(run).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create collection run: %w", err)
	}

	return nil
}

// Update persists the run state and report counters.
func (r *RunRepository) Update(ctx context.Context, run *model.CollectionRun) error {
	_, err := r.db.NewUpdate().
		Model(run).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update collection run %d: %w", run.ID, err)
	}

	return nil
}

// GetByID returns a run by id, or nil when absent.
func (r *RunRepository) GetByID(ctx context.Context, id int64) (*model.CollectionRun, error) {
	run := new(model.CollectionRun)

	err := r.db.NewSelect().
		Model(run).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query collection run: %w", err)
	}

	return run, nil
}

// GetPrevious returns the most recent finished collection run before the
// given one. Reconciliation runs only carry retried items and would make a
// useless comparison baseline, so they are skipped.
func (r *RunRepository) GetPrevious(ctx context.Context, beforeID int64) (*model.CollectionRun, error) {
	run := new(model.CollectionRun)

	err := r.db.NewSelect().
		Model(run).
		Where("id < ?", beforeID).
		Where("kind = ?", model.RunKindCollection).
		Where("status IN (?)", bun.In([]model.RunStatus{model.RunComplete, model.RunPartial})).
		Order("id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query previous run: %w", err)
	}

	return run, nil
}
