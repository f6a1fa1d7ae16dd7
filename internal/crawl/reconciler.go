package crawl

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// ReconcileReport summarizes one reconciliation pass over the failure
// backlog.
type ReconcileReport struct {
	RunID     int64
	Picked    int
	Succeeded int
	Absent    int
	Escalated int
	StillOpen int
}

// Reconciler retries the open failure backlog with per-kind policies:
// blocked items wait out a jittered delay and go through whatever identity
// the pool hands out next, NOT_FOUND items get one confirmation attempt
// before being marked permanently absent, and everything else retries until
// the attempt ceiling escalates it.
type Reconciler struct {
	traverser  *Traverser
	extractor  *Extractor
	repos      Repositories
	jitterBase time.Duration
	logger     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a backlog reconciler.
func NewReconciler(traverser *Traverser, extractor *Extractor, repos Repositories, jitterBase time.Duration, logger *zap.Logger) *Reconciler {
	if jitterBase <= 0 {
		jitterBase = 2 * time.Second
	}

	return &Reconciler{
		traverser:  traverser,
		extractor:  extractor,
		repos:      repos,
		jitterBase: jitterBase,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Reconcile retries open failure records, for one run or for the whole
// backlog when runID is 0. Successful retries produce observations under a
// fresh reconciliation run so the time-series stays append-only.
func (r *Reconciler) Reconcile(ctx context.Context, runID int64) (*ReconcileReport, error) {
	records, err := r.repos.Failures.GetOpen(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load failure backlog: %w", err)
	}

	report := &ReconcileReport{Picked: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	startedAt := r.now()
	year, week := startedAt.ISOWeek()

	byCategory := make(map[string][]model.FailureRecord)
	var categories []string
	for _, record := range records {
		if _, ok := byCategory[record.CategoryID]; !ok {
			categories = append(categories, record.CategoryID)
		}
		byCategory[record.CategoryID] = append(byCategory[record.CategoryID], record)
	}

	run := &model.CollectionRun{
		Kind:       model.RunKindReconciliation,
		Status:     model.RunRunning,
		StartedAt:  startedAt,
		Year:       year,
		Week:       week,
		Categories: categories,
	}
	if err := r.repos.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create reconciliation run: %w", err)
	}

	r.logger.Info("Reconciliation started",
		zap.Int64("run_id", run.ID),
		zap.Int("records", len(records)),
		zap.Int("categories", len(categories)))

	for _, categoryID := range categories {
		if ctx.Err() != nil {
			break
		}
		r.reconcileCategory(ctx, run, categoryID, byCategory[categoryID], report)
	}

	report.RunID = run.ID
	report.StillOpen = report.Picked - report.Succeeded - report.Absent - report.Escalated

	run.TotalRefs = report.Picked
	run.Finalize(r.now())
	// Persist the run even when the pass was interrupted; a cancelled
	// context must not leave the stored status at RUNNING.
	if err := r.repos.Runs.Update(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error("Failed to persist reconciliation run",
			zap.Int64("run_id", run.ID),
			zap.Error(err))
	}

	r.logger.Info("Reconciliation finished",
		zap.Int64("run_id", run.ID),
		zap.Int("picked", report.Picked),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("absent", report.Absent),
		zap.Int("escalated", report.Escalated),
		zap.Int("still_open", report.StillOpen))

	return report, nil
}

func (r *Reconciler) reconcileCategory(ctx context.Context, run *model.CollectionRun, categoryID string, records []model.FailureRecord, report *ReconcileReport) {
	// A category that now lists zero products resolves its whole backlog:
	// every item in it is gone, not failing.
	count, err := r.traverser.ProductCount(ctx, categoryID)
	if err == nil && count == 0 {
		r.logger.Info("Category emptied, marking backlog absent",
			zap.String("category_id", categoryID),
			zap.Int("records", len(records)))
		for i := range records {
			r.close(ctx, &records[i], model.FailureAbsent, report)
		}
		return
	}

	// Current popularity ranks, so retried items land in the time-series
	// with a real position. Best effort.
	ranks, err := r.traverser.Ranks(ctx, categoryID, SortPopularity)
	if err != nil && !errors.Is(err, ErrEmptyCategory) && ctx.Err() == nil {
		r.logger.Warn("Rank refresh failed during reconciliation",
			zap.String("category_id", categoryID),
			zap.Error(err))
	}

	for i := range records {
		if ctx.Err() != nil {
			return
		}
		r.reconcileRecord(ctx, run, &records[i], ranks[records[i].GoodsNo], report)
	}
}

func (r *Reconciler) reconcileRecord(ctx context.Context, run *model.CollectionRun, record *model.FailureRecord, rank int, report *ReconcileReport) {
	if record.Exhausted() {
		r.close(ctx, record, model.FailureEscalated, report)
		return
	}

	// Blocked items pause for a jittered window before retrying; hammering
	// straight back at the WAF re-triggers the block.
	if record.Kind == model.FailureBlocked {
		if err := r.sleep(ctx, r.jittered()); err != nil {
			return
		}
	}

	ref := ProductRef{
		CategoryID: record.CategoryID,
		GoodsNo:    record.GoodsNo,
		Rank:       rank,
	}

	product, obs, failure, err := r.extractor.Extract(ctx, ref)
	if err != nil {
		return
	}

	if failure == nil {
		obs.RunID = run.ID

		if _, err := r.repos.Products.Upsert(ctx, product); err != nil {
			r.logger.Error("Failed to upsert product during reconciliation",
				zap.String("goods_no", record.GoodsNo),
				zap.Error(err))
			return
		}
		if err := r.repos.Observations.Append(ctx, obs); err != nil {
			r.logger.Error("Failed to append observation during reconciliation",
				zap.String("goods_no", record.GoodsNo),
				zap.Error(err))
			return
		}
		if err := r.repos.Failures.Resolve(ctx, record.GoodsNo, record.CategoryID); err != nil {
			r.logger.Warn("Failed to resolve failure record",
				zap.String("goods_no", record.GoodsNo),
				zap.Error(err))
			return
		}

		run.Succeeded++
		report.Succeeded++
		r.logger.Info("Backlog item recovered",
			zap.String("goods_no", record.GoodsNo),
			zap.String("category_id", record.CategoryID),
			zap.Int("attempts", record.AttemptCount+1))
		return
	}

	// A second NOT_FOUND confirms the item is gone from the catalog; it is
	// never retried again.
	if failure.Kind == model.FailureNotFound && record.Kind == model.FailureNotFound {
		r.close(ctx, record, model.FailureAbsent, report)
		return
	}

	record.Kind = failure.Kind
	record.LastError = failure.Err.Error()
	record.RunID = run.ID
	if err := r.repos.Failures.Record(ctx, record); err != nil {
		r.logger.Error("Failed to record retry attempt",
			zap.String("goods_no", record.GoodsNo),
			zap.Error(err))
		return
	}

	if record.Exhausted() {
		r.close(ctx, record, model.FailureEscalated, report)
		return
	}

	r.logger.Warn("Backlog item failed again",
		zap.String("goods_no", record.GoodsNo),
		zap.String("kind", string(failure.Kind)),
		zap.Int("attempts", record.AttemptCount),
		zap.Int("max_attempts", record.MaxAttempts))
}

func (r *Reconciler) close(ctx context.Context, record *model.FailureRecord, status model.FailureStatus, report *ReconcileReport) {
	record.Status = status
	record.UpdatedAt = r.now()
	if err := r.repos.Failures.Update(ctx, record); err != nil {
		r.logger.Error("Failed to close failure record",
			zap.String("goods_no", record.GoodsNo),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}

	switch status {
	case model.FailureAbsent:
		report.Absent++
		r.logger.Info("Item confirmed absent from catalog",
			zap.String("goods_no", record.GoodsNo),
			zap.String("category_id", record.CategoryID))
	case model.FailureEscalated:
		report.Escalated++
		r.logger.Warn("Item escalated after attempt ceiling",
			zap.String("goods_no", record.GoodsNo),
			zap.Int("attempts", record.AttemptCount))
	}
}

// jittered returns a randomized pause between the base and three times the
// base.
func (r *Reconciler) jittered() time.Duration {
	return r.jitterBase + time.Duration(rand.Int63n(int64(r.jitterBase)*2))
}

// sleepContext waits for the duration or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
