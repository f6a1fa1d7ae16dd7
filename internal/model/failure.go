package model

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// FailureKind classifies why an item failed to resolve.
type FailureKind string

const (
	FailureBlocked   FailureKind = "blocked"
	FailureNotFound  FailureKind = "not_found"
	FailureMalformed FailureKind = "malformed"
	FailureTransient FailureKind = "transient"
	FailureStorage   FailureKind = "storage"
)

// FailureStatus represents the lifecycle of a failure record.
type FailureStatus string

const (
	FailureOpen      FailureStatus = "open"
	FailureResolved  FailureStatus = "resolved"
	FailureAbsent    FailureStatus = "absent"    // confirmed gone from the catalog
	FailureEscalated FailureStatus = "escalated" // attempt ceiling reached, needs manual review
)

// FailureRecord tracks one item that failed during a run. It is created on
// first failure, updated on each retry attempt and resolved on success.
type FailureRecord struct {
	bun.BaseModel `bun:"table:failure_records"`

	ID            int64         `bun:"id,pk,autoincrement" json:"id"`
	RunID         int64         `bun:"run_id,notnull" json:"run_id"`
	GoodsNo       string        `bun:"goods_no,notnull" json:"goods_no"`
	CategoryID    string        `bun:"category_id,notnull" json:"category_id"`
	Kind          FailureKind   `bun:"kind,notnull" json:"kind"`
	Status        FailureStatus `bun:"status,notnull,default:'open'" json:"status"`
	AttemptCount  int           `bun:"attempt_count,notnull,default:0" json:"attempt_count"`
	MaxAttempts   int           `bun:"max_attempts,notnull,default:5" json:"max_attempts"`
	LastError     string        `bun:"last_error" json:"last_error,omitempty"`
	LastAttemptAt time.Time     `bun:"last_attempt_at,nullzero" json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time     `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time     `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// Exhausted reports whether the record has reached its attempt ceiling.
func (f *FailureRecord) Exhausted() bool {
	return f.AttemptCount >= f.MaxAttempts
}

// FailureRepository defines storage operations for failure records.
type FailureRepository interface {
	// Record registers a failed attempt. The first failure for a
	// (goods_no, category_id) pair creates the record; later ones bump the
	// attempt count and refresh kind and error.
	Record(ctx context.Context, failure *FailureRecord) error
	// GetOpen returns open records for a run, or for all runs when runID is 0.
	GetOpen(ctx context.Context, runID int64) ([]FailureRecord, error)
	Update(ctx context.Context, failure *FailureRecord) error
	// Resolve closes the open record for an item after a successful extraction.
	Resolve(ctx context.Context, goodsNo, categoryID string) error
	CountOpen(ctx context.Context, runID int64) (int, error)
}
