package repository

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// ObservationRepository implements model.ObservationRepository on PostgreSQL.
type ObservationRepository struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewObservationRepository creates a new observation repository.
func NewObservationRepository(db *bun.DB, logger *zap.Logger) *ObservationRepository {
	return &ObservationRepository{db: db, logger: logger}
}

// Append inserts a new observation row. A second row for the same
// (goods_no, run_id) pair is dropped by the unique constraint instead of
// overwriting the first.
func (r *ObservationRepository) Append(ctx context.Context, obs *model.Observation) error {
	res, err := r.db.NewInsert().
		Model(obs).
		On("CONFLICT (goods_no, run_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to append observation for %s: %w", obs.GoodsNo, err)
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		r.logger.Debug("Duplicate observation dropped",
			zap.String("goods_no", obs.GoodsNo),
			zap.Int64("run_id", obs.RunID))
	}

	return nil
}

// CountByRun returns the number of observations recorded for a run.
func (r *ObservationRepository) CountByRun(ctx context.Context, runID int64) (int, error) {
	count, err := r.db.NewSelect().
		Model((*model.Observation)(nil)).
		Where("run_id = ?", runID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}

	return count, nil
}

// MissingSince returns goods numbers observed in the previous run but absent
// from the current one. The caller disambiguates "removed from catalog" from
// "blocked this run" using the failure records.
func (r *ObservationRepository) MissingSince(ctx context.Context, previousRunID, currentRunID int64) ([]string, error) {
	var goodsNos []string

	err := r.db.NewSelect().
		ColumnExpr("prev.goods_no").
		TableExpr("observations AS prev").
		Where("prev.run_id = ?", previousRunID).
		Where("NOT EXISTS (SELECT 1 FROM observations AS cur WHERE cur.run_id = ? AND cur.goods_no = prev.goods_no)", currentRunID).
		Order("prev.goods_no ASC").
		Scan(ctx, &goodsNos)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing products: %w", err)
	}

	return goodsNos, nil
}
