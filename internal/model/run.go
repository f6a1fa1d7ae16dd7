package model

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// RunStatus represents the lifecycle state of a collection run.
type RunStatus string

const (
	RunPending  RunStatus = "PENDING"
	RunRunning  RunStatus = "RUNNING"
	RunComplete RunStatus = "COMPLETE"
	RunPartial  RunStatus = "PARTIAL"
	RunFailed   RunStatus = "FAILED"
)

// RunKind distinguishes full collection passes from reconciliation passes
// over the failure backlog. A reconciliation run only observes retried
// items, so it never serves as the baseline for run-to-run comparisons.
type RunKind string

const (
	RunKindCollection     RunKind = "COLLECTION"
	RunKindReconciliation RunKind = "RECONCILIATION"
)

// CollectionRun represents one end-to-end traversal-and-extraction pass over
// a category set.
type CollectionRun struct {
	bun.BaseModel `bun:"table:collection_runs"`

	ID         int64     `bun:"id,pk,autoincrement" json:"id"`
	Kind       RunKind   `bun:"kind,notnull,default:'COLLECTION'" json:"kind"`
	Status     RunStatus `bun:"status,notnull" json:"status"`
	StartedAt  time.Time `bun:"started_at,notnull" json:"started_at"`
	EndedAt    time.Time `bun:"ended_at,nullzero" json:"ended_at,omitempty"`
	Year       int       `bun:"year,notnull" json:"year"` // ISO year of the run
	Week       int       `bun:"week,notnull" json:"week"` // ISO week of the run
	Categories []string  `bun:"categories,array" json:"categories"`

	// Run report counters, one outcome per ref.
	TotalRefs       int `bun:"total_refs,notnull,default:0" json:"total_refs"`
	Succeeded       int `bun:"succeeded,notnull,default:0" json:"succeeded"`
	Blocked         int `bun:"blocked,notnull,default:0" json:"blocked"`
	NotFound        int `bun:"not_found,notnull,default:0" json:"not_found"`
	Malformed       int `bun:"malformed,notnull,default:0" json:"malformed"`
	Transient       int `bun:"transient,notnull,default:0" json:"transient"`
	StorageFailures int `bun:"storage_failures,notnull,default:0" json:"storage_failures"`
}

// Failures returns the number of refs that did not resolve successfully.
func (r *CollectionRun) Failures() int {
	return r.Blocked + r.NotFound + r.Malformed + r.Transient + r.StorageFailures
}

// Finalize stamps the end time and derives the terminal status. A run with
// any storage failure never reports COMPLETE.
func (r *CollectionRun) Finalize(at time.Time) {
	r.EndedAt = at

	if r.Failures() == 0 && r.TotalRefs == r.Succeeded {
		r.Status = RunComplete
		return
	}
	r.Status = RunPartial
}

// RunRepository defines storage operations for collection runs.
type RunRepository interface {
	Create(ctx context.Context, run *CollectionRun) error
	Update(ctx context.Context, run *CollectionRun) error
	GetByID(ctx context.Context, id int64) (*CollectionRun, error)
	// GetPrevious returns the most recent finished collection run before the
	// given one. Reconciliation runs are never returned.
	GetPrevious(ctx context.Context, beforeID int64) (*CollectionRun, error)
}
