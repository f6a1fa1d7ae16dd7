// Package repository contains the bun-backed repositories.
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

// ProductRepository implements model.ProductRepository on PostgreSQL.
type ProductRepository struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewProductRepository creates a new product repository.
func NewProductRepository(db *bun.DB, logger *zap.Logger) *ProductRepository {
	return &ProductRepository{db: db, logger: logger}
}

// Upsert inserts or updates a product by goods number. Fingerprint-equal
// input leaves the stored row untouched, so repeated runs over unchanged
// products cost one select and no write.
func (r *ProductRepository) Upsert(ctx context.Context, product *model.Product) (bool, error) {
	if product.Fingerprint == "" {
		product.Fingerprint = product.ComputeFingerprint()
	}

	existing, err := r.GetByGoodsNo(ctx, product.GoodsNo)
	if err != nil {
		return false, err
	}

	now := time.Now()

	if existing == nil {
		product.FirstSeenAt = now
		product.LastUpdatedAt = now

		// Concurrent first-insert of the same goods number serializes on the
		// unique constraint; the loser falls through to an update.
		_, err := r.db.NewInsert().
			Model(product).
			On("CONFLICT (goods_no) DO UPDATE").
			Set("name = EXCLUDED.name").
			Set("brand = EXCLUDED.brand").
			Set("item_no = EXCLUDED.item_no").
			Set("category_id = EXCLUDED.category_id").
			Set("product_url = EXCLUDED.product_url").
			Set("image_url = EXCLUDED.image_url").
			Set("attrs = EXCLUDED.attrs").
			Set("ingredients = EXCLUDED.ingredients").
			Set("fingerprint = EXCLUDED.fingerprint").
			Set("last_updated_at = EXCLUDED.last_updated_at").
			Exec(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to insert product %s: %w", product.GoodsNo, err)
		}
		return true, nil
	}

	if existing.Fingerprint == product.Fingerprint {
		product.ID = existing.ID
		product.FirstSeenAt = existing.FirstSeenAt
		product.LastUpdatedAt = existing.LastUpdatedAt
		return false, nil
	}

	product.ID = existing.ID
	product.FirstSeenAt = existing.FirstSeenAt
	product.LastUpdatedAt = now

	_, err = r.db.NewUpdate().
		Model(product).
		WherePK().
		// Guard against a concurrent writer of the same goods number: only
		// apply when the stored fingerprint is still the one we compared.
		Where("fingerprint = ?", existing.Fingerprint).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to update product %s: %w", product.GoodsNo, err)
	}

	return true, nil
}

// GetByGoodsNo returns a product by its goods number, or nil when absent.
func (r *ProductRepository) GetByGoodsNo(ctx context.Context, goodsNo string) (*model.Product, error) {
	product := new(model.Product)

	err := r.db.NewSelect().
		Model(product).
		Where("goods_no = ?", goodsNo).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query product by goods number: %w", err)
	}

	return product, nil
}
