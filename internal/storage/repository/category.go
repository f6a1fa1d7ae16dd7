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

// CategoryRepository implements model.CategoryRepository on PostgreSQL.
type CategoryRepository struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewCategoryRepository creates a new category repository.
func NewCategoryRepository(db *bun.DB, logger *zap.Logger) *CategoryRepository {
	return &CategoryRepository{db: db, logger: logger}
}

// GetAll returns all categories ordered by path.
func (r *CategoryRepository) GetAll(ctx context.Context) ([]model.Category, error) {
	var categories []model.Category

	err := r.db.NewSelect().
		Model(&categories).
		Order("path ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}

	return categories, nil
}

// GetByID returns a category by id, or nil when absent.
func (r *CategoryRepository) GetByID(ctx context.Context, id string) (*model.Category, error) {
	category := new(model.Category)

	err := r.db.NewSelect().
		Model(category).
		Where("category_id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query category by id: %w", err)
	}

	return category, nil
}

// GetScheduledFor returns categories whose collection day matches the given
// ISO weekday (1 Monday .. 7 Sunday).
func (r *CategoryRepository) GetScheduledFor(ctx context.Context, weekday int) ([]model.Category, error) {
	var categories []model.Category

	err := r.db.NewSelect().
		Model(&categories).
		Where("scheduled_day = ?", weekday).
		Order("category_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled categories: %w", err)
	}

	return categories, nil
}

// Upsert inserts or refreshes a category discovered from the store menu.
func (r *CategoryRepository) Upsert(ctx context.Context, category *model.Category) error {
	now := time.Now()
	category.UpdatedAt = now
	if category.CreatedAt.IsZero() {
		category.CreatedAt = now
	}

	_, err := r.db.NewInsert().
		Model(category).
		On("CONFLICT (category_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("parent_id = EXCLUDED.parent_id").
		Set("path = EXCLUDED.path").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert category %s: %w", category.CategoryID, err)
	}

	return nil
}

// MarkCollected stamps the last collection time for a category.
func (r *CategoryRepository) MarkCollected(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*model.Category)(nil)).
		Set("last_run_at = ?", at).
		Set("updated_at = ?", time.Now()).
		Where("category_id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark category %s collected: %w", id, err)
	}

	return nil
}
