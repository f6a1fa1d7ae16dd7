package model

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// Observation represents one time-stamped measurement of a product within a
// collection run. Rows are append-only and never mutated after insert.
type Observation struct {
	bun.BaseModel `bun:"table:observations"`

	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	GoodsNo       string    `bun:"goods_no,notnull" json:"goods_no"`
	RunID         int64     `bun:"run_id,notnull" json:"run_id"`
	CategoryID    string    `bun:"category_id,notnull" json:"category_id"`
	CapturedAt    time.Time `bun:"captured_at,notnull" json:"captured_at"`
	Rank          int       `bun:"rank,notnull" json:"rank"` // popularity order at traversal time
	SalesRank     int       `bun:"sales_rank,nullzero" json:"sales_rank,omitempty"`
	PriceOriginal int       `bun:"price_original,nullzero" json:"price_original,omitempty"`
	PriceCurrent  int       `bun:"price_current,nullzero" json:"price_current,omitempty"`
	RatingPercent float64   `bun:"rating_percent,nullzero" json:"rating_percent,omitempty"`
	ReviewCount   int       `bun:"review_count,nullzero" json:"review_count,omitempty"`
}

// ObservationRepository defines storage operations for the observation
// time-series.
type ObservationRepository interface {
	// Append inserts a new row. A duplicate (goods_no, run_id) pair is
	// deduplicated, never overwritten.
	Append(ctx context.Context, obs *Observation) error
	CountByRun(ctx context.Context, runID int64) (int, error)
	// MissingSince returns goods numbers observed in the previous run but
	// absent from the current one.
	MissingSince(ctx context.Context, previousRunID, currentRunID int64) ([]string, error)
}
