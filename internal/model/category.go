package model

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// Category represents one node of the store category tree.
type Category struct {
	bun.BaseModel `bun:"table:categories"`

	CategoryID   string    `bun:"category_id,pk" json:"category_id"`
	Name         string    `bun:"name,notnull" json:"name"`
	ParentID     string    `bun:"parent_id,nullzero" json:"parent_id,omitempty"`
	Path         string    `bun:"path" json:"path"` // display path, e.g. "Skincare > Toner"
	ProductCount int       `bun:"product_count,notnull,default:0" json:"product_count"`
	ScheduledDay int       `bun:"scheduled_day,notnull,default:0" json:"scheduled_day"` // 0 none, 1-7 Mon-Sun
	LastRunAt    time.Time `bun:"last_run_at,nullzero" json:"last_run_at,omitempty"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// CategoryRepository defines storage operations for categories.
type CategoryRepository interface {
	GetAll(ctx context.Context) ([]Category, error)
	GetByID(ctx context.Context, id string) (*Category, error)
	GetScheduledFor(ctx context.Context, weekday int) ([]Category, error)
	Upsert(ctx context.Context, category *Category) error
	MarkCollected(ctx context.Context, id string, at time.Time) error
}
