package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// FailureRepository implements model.FailureRepository on PostgreSQL.
type FailureRepository struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewFailureRepository creates a new failure record repository.
func NewFailureRepository(db *bun.DB, logger *zap.Logger) *FailureRepository {
	return &FailureRepository{db: db, logger: logger}
}

// Record registers a failed attempt for an item. The first failure creates
// the record with attempt count 1; later failures for the same item bump the
// count and refresh kind and error.
func (r *FailureRepository) Record(ctx context.Context, failure *model.FailureRecord) error {
	existing := new(model.FailureRecord)

	err := r.db.NewSelect().
		Model(existing).
		Where("goods_no = ?", failure.GoodsNo).
		Where("category_id = ?", failure.CategoryID).
		Where("status = ?", model.FailureOpen).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to query failure record: %w", err)
	}

	now := time.Now()

	if errors.Is(err, sql.ErrNoRows) {
		failure.Status = model.FailureOpen
		if failure.AttemptCount == 0 {
			failure.AttemptCount = 1
		}
		if failure.MaxAttempts == 0 {
			failure.MaxAttempts = 5
		}
		failure.LastAttemptAt = now
		failure.CreatedAt = now
		failure.UpdatedAt = now

		if _, err := r.db.NewInsert().Model(failure).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create failure record for %s: %w", failure.GoodsNo, err)
		}
		return nil
	}

	existing.Kind = failure.Kind
	existing.LastError = failure.LastError
	existing.AttemptCount++
	existing.LastAttemptAt = now
	existing.UpdatedAt = now
	existing.RunID = failure.RunID

	if _, err := r.db.NewUpdate().Model(existing).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("failed to update failure record for %s: %w", failure.GoodsNo, err)
	}

	*failure = *existing
	return nil
}

// GetOpen returns open records for a run, or for all runs when runID is 0.
func (r *FailureRepository) GetOpen(ctx context.Context, runID int64) ([]model.FailureRecord, error) {
	var records []model.FailureRecord

	query := r.db.NewSelect().
		Model(&records).
		Where("status = ?", model.FailureOpen).
		Order("created_at ASC")

	if runID != 0 {
		query = query.Where("run_id = ?", runID)
	}

	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query open failure records: %w", err)
	}

	return records, nil
}

// Update persists a modified failure record.
func (r *FailureRepository) Update(ctx context.Context, failure *model.FailureRecord) error {
	failure.UpdatedAt = time.Now()

	_, err := r.db.NewUpdate().
		Model(failure).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update failure record %d: %w", failure.ID, err)
	}

	return nil
}

// Resolve closes the open record for an item after a successful extraction.
func (r *FailureRepository) Resolve(ctx context.Context, goodsNo, categoryID string) error {
	_, err := r.db.NewUpdate().
		Model((*model.FailureRecord)(nil)).
		Set("status = ?", model.FailureResolved).
		Set("updated_at = ?", time.Now()).
		Where("goods_no = ?", goodsNo).
		Where("category_id = ?", categoryID).
		Where("status = ?", model.FailureOpen).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve failure record for %s: %w", goodsNo, err)
	}

	return nil
}

// CountOpen returns the number of open records for a run (0 for all runs).
func (r *FailureRepository) CountOpen(ctx context.Context, runID int64) (int, error) {
	query := r.db.NewSelect().
		Model((*model.FailureRecord)(nil)).
		Where("status = ?", model.FailureOpen)

	if runID != 0 {
		query = query.Where("run_id = ?", runID)
	}

	count, err := query.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count open failure records: %w", err)
	}

	return count, nil
}
