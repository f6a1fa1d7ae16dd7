package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Product represents the master record of one catalog product.
// Identity fields are updated in place by upsert, never duplicated.
type Product struct {
	bun.BaseModel `bun:"table:products"`

	ID            int64             `bun:"id,pk,autoincrement" json:"id"`
	GoodsNo       string            `bun:"goods_no,notnull,unique" json:"goods_no"`
	ItemNo        string            `bun:"item_no" json:"item_no"`
	Name          string            `bun:"name,notnull" json:"name"`
	Brand         string            `bun:"brand,notnull" json:"brand"`
	CategoryID    string            `bun:"category_id" json:"category_id"`
	ProductURL    string            `bun:"product_url,notnull" json:"product_url"`
	ImageURL      string            `bun:"image_url" json:"image_url"`
	Attrs         map[string]string `bun:"attrs,type:jsonb" json:"attrs"`
	Ingredients   []string          `bun:"ingredients,array" json:"ingredients"`
	Fingerprint   string            `bun:"fingerprint,notnull" json:"fingerprint"`
	FirstSeenAt   time.Time         `bun:"first_seen_at,notnull" json:"first_seen_at"`
	LastUpdatedAt time.Time         `bun:"last_updated_at,notnull" json:"last_updated_at"`
}

// ComputeFingerprint hashes the mutable identity fields. Two products with
// byte-identical content produce the same fingerprint, so an upsert can tell
// a real change from a repeat observation.
func (p *Product) ComputeFingerprint() string {
	h := sha256.New()

	write := func(parts ...string) {
		for _, part := range parts {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
	}

	write(p.Name, p.Brand, p.ItemNo, p.CategoryID, p.ImageURL)

	keys := make([]string, 0, len(p.Attrs))
	for k := range p.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, p.Attrs[k])
	}

	write(strings.Join(p.Ingredients, ","))

	return hex.EncodeToString(h.Sum(nil))
}

// ProductRepository defines storage operations for product master rows.
type ProductRepository interface {
	// Upsert inserts or updates by goods number. It reports whether the
	// stored content actually changed; a fingerprint-equal input is a no-op.
	Upsert(ctx context.Context, product *Product) (bool, error)
	GetByGoodsNo(ctx context.Context, goodsNo string) (*Product, error)
}
