package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// Notifier receives the report of a finished run. Implementations must not
// fail the run; delivery errors are the caller's to log.
type Notifier interface {
	NotifyRun(ctx context.Context, run *model.CollectionRun) error
}

// Repositories bundles the storage interfaces a run touches.
type Repositories struct {
	Categories   model.CategoryRepository
	Products     model.ProductRepository
	Observations model.ObservationRepository
	Runs         model.RunRepository
	Failures     model.FailureRepository
}

type workItem struct {
	ref       ProductRef
	salesRank int
}

// Coordinator drives a collection run: traverses categories, dispatches
// product references to a bounded worker pool and accounts exactly one
// outcome per reference.
type Coordinator struct {
	traverser   *Traverser
	extractor   *Extractor
	repos       Repositories
	notifier    Notifier
	workers     int
	maxAttempts int
	logger      *zap.Logger

	now func() time.Time
}

// NewCoordinator creates a run coordinator. The notifier may be nil.
func NewCoordinator(traverser *Traverser, extractor *Extractor, repos Repositories, notifier Notifier, workers int, logger *zap.Logger) *Coordinator {
	if workers <= 0 {
		workers = 4
	}

	return &Coordinator{
		traverser: traverser,
		extractor: extractor,
		repos:     repos,
		notifier:  notifier,
		workers:   workers,
		logger:    logger,
		now:       time.Now,
	}
}

// WithAttemptCeiling overrides the attempt ceiling stamped on new failure
// records.
func (c *Coordinator) WithAttemptCeiling(n int) *Coordinator {
	if n > 0 {
		c.maxAttempts = n
	}
	return c
}

// Run executes one collection pass over the given categories, or over every
// known category when the list is empty. The returned run carries the final
// status and counters even when it did not complete.
func (c *Coordinator) Run(ctx context.Context, categoryIDs []string) (*model.CollectionRun, error) {
	if len(categoryIDs) == 0 {
		categories, err := c.repos.Categories.GetAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load categories: %w", err)
		}
		for _, cat := range categories {
			categoryIDs = append(categoryIDs, cat.CategoryID)
		}
	}
	if len(categoryIDs) == 0 {
		return nil, errors.New("no categories to collect")
	}

	startedAt := c.now()
	year, week := startedAt.ISOWeek()
	run := &model.CollectionRun{
		Kind:       model.RunKindCollection,
		Status:     model.RunPending,
		StartedAt:  startedAt,
		Year:       year,
		Week:       week,
		Categories: categoryIDs,
	}
	if err := c.repos.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	run.Status = model.RunRunning
	if err := c.repos.Runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to mark run running: %w", err)
	}

	c.logger.Info("Collection run started",
		zap.Int64("run_id", run.ID),
		zap.Int("year", year),
		zap.Int("week", week),
		zap.Strings("categories", categoryIDs))

	var mu sync.Mutex
	work := make(chan workItem, c.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, run, &mu, work)
		}()
	}

	traversalErrs := 0
	var collected []string

	for _, categoryID := range categoryIDs {
		if ctx.Err() != nil {
			break
		}

		// Sales-order pre-pass. Best effort: without it the observations
		// simply carry no sales rank.
		salesRanks, err := c.traverser.Ranks(ctx, categoryID, SortSales)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("Sales-order pre-pass failed",
				zap.String("category_id", categoryID),
				zap.Error(err))
		}

		seen := make(map[string]bool)
		err = c.traverser.Traverse(ctx, categoryID, SortPopularity, func(ref ProductRef) bool {
			if seen[ref.GoodsNo] {
				return true
			}
			seen[ref.GoodsNo] = true

			mu.Lock()
			run.TotalRefs++
			mu.Unlock()

			select {
			case work <- workItem{ref: ref, salesRank: salesRanks[ref.GoodsNo]}:
				return true
			case <-ctx.Done():
				mu.Lock()
				run.TotalRefs--
				mu.Unlock()
				return false
			}
		})

		switch {
		case err == nil:
			collected = append(collected, categoryID)
		case errors.Is(err, ErrEmptyCategory):
			c.logger.Info("Category is empty",
				zap.String("category_id", categoryID))
			collected = append(collected, categoryID)
		case ctx.Err() != nil:
			// fall through to the drain below
		default:
			traversalErrs++
			c.logger.Error("Category traversal failed",
				zap.String("category_id", categoryID),
				zap.Error(err))
		}
	}

	close(work)
	wg.Wait()

	// The cancellation that ended the run must not also swallow its report:
	// the stored status would stay RUNNING forever. Finalization runs on a
	// detached context.
	finishCtx := context.WithoutCancel(ctx)

	endedAt := c.now()
	switch {
	case ctx.Err() != nil:
		run.Status = model.RunPartial
		run.EndedAt = endedAt
	case run.TotalRefs == 0 && traversalErrs > 0:
		run.Status = model.RunFailed
		run.EndedAt = endedAt
	default:
		run.Finalize(endedAt)
		if traversalErrs > 0 && run.Status == model.RunComplete {
			run.Status = model.RunPartial
		}
	}

	if err := c.repos.Runs.Update(finishCtx, run); err != nil {
		c.logger.Error("Failed to persist run report",
			zap.Int64("run_id", run.ID),
			zap.Error(err))
	}

	for _, categoryID := range collected {
		if err := c.repos.Categories.MarkCollected(finishCtx, categoryID, endedAt); err != nil {
			c.logger.Warn("Failed to stamp category collection time",
				zap.String("category_id", categoryID),
				zap.Error(err))
		}
	}

	c.reportMissing(finishCtx, run)

	c.logger.Info("Collection run finished",
		zap.Int64("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("total_refs", run.TotalRefs),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", run.Failures()),
		zap.Duration("elapsed", endedAt.Sub(startedAt)))

	if c.notifier != nil {
		if err := c.notifier.NotifyRun(finishCtx, run); err != nil {
			c.logger.Warn("Failed to deliver run report", zap.Error(err))
		}
	}

	return run, nil
}

// reportMissing compares the finished run against the previous one and logs
// products that dropped out of the catalog between the two. Only a COMPLETE
// run makes a sound baseline; a partial one would report every unfetched
// item as missing.
func (c *Coordinator) reportMissing(ctx context.Context, run *model.CollectionRun) {
	if run.Status != model.RunComplete {
		return
	}

	previous, err := c.repos.Runs.GetPrevious(ctx, run.ID)
	if err != nil || previous == nil {
		return
	}

	missing, err := c.repos.Observations.MissingSince(ctx, previous.ID, run.ID)
	if err != nil {
		c.logger.Warn("Failed to compute missing products",
			zap.Int64("run_id", run.ID),
			zap.Error(err))
		return
	}
	if len(missing) == 0 {
		return
	}

	c.logger.Info("Products observed last run but not this one",
		zap.Int64("run_id", run.ID),
		zap.Int64("previous_run_id", previous.ID),
		zap.Int("count", len(missing)),
		zap.Strings("goods_nos", missing))
}

// worker consumes product references until the channel closes. Each
// reference it picks up gets exactly one outcome: success, a classified
// failure record, or a storage failure.
func (c *Coordinator) worker(ctx context.Context, run *model.CollectionRun, mu *sync.Mutex, work <-chan workItem) {
	for item := range work {
		if ctx.Err() != nil {
			// Drain without outcomes; the run finalizes as PARTIAL because
			// total refs stays ahead of the outcome counters.
			continue
		}

		product, obs, failure, err := c.extractor.Extract(ctx, item.ref)
		if err != nil {
			continue
		}

		if failure != nil {
			c.recordFailure(ctx, run, mu, item.ref, failure)
			continue
		}

		obs.RunID = run.ID
		obs.SalesRank = item.salesRank

		if _, err := c.repos.Products.Upsert(ctx, product); err != nil {
			c.recordFailure(ctx, run, mu, item.ref, &Failure{
				Kind: model.FailureStorage,
				Err:  fmt.Errorf("failed to upsert product: %w", err),
			})
			continue
		}

		// No observation without its product row.
		if err := c.repos.Observations.Append(ctx, obs); err != nil {
			c.recordFailure(ctx, run, mu, item.ref, &Failure{
				Kind: model.FailureStorage,
				Err:  fmt.Errorf("failed to append observation: %w", err),
			})
			continue
		}

		if err := c.repos.Failures.Resolve(ctx, item.ref.GoodsNo, item.ref.CategoryID); err != nil {
			c.logger.Warn("Failed to resolve failure backlog entry",
				zap.String("goods_no", item.ref.GoodsNo),
				zap.Error(err))
		}

		mu.Lock()
		run.Succeeded++
		mu.Unlock()
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, run *model.CollectionRun, mu *sync.Mutex, ref ProductRef, failure *Failure) {
	mu.Lock()
	switch failure.Kind {
	case model.FailureBlocked:
		run.Blocked++
	case model.FailureNotFound:
		run.NotFound++
	case model.FailureMalformed:
		run.Malformed++
	case model.FailureStorage:
		run.StorageFailures++
	default:
		run.Transient++
	}
	mu.Unlock()

	record := &model.FailureRecord{
		RunID:         run.ID,
		GoodsNo:       ref.GoodsNo,
		CategoryID:    ref.CategoryID,
		Kind:          failure.Kind,
		MaxAttempts:   c.maxAttempts,
		LastError:     failure.Err.Error(),
		LastAttemptAt: c.now(),
	}
	if err := c.repos.Failures.Record(ctx, record); err != nil {
		c.logger.Error("Failed to record failure",
			zap.String("goods_no", ref.GoodsNo),
			zap.String("category_id", ref.CategoryID),
			zap.Error(err))
	}

	c.logger.Warn("Item failed",
		zap.String("goods_no", ref.GoodsNo),
		zap.String("category_id", ref.CategoryID),
		zap.String("kind", string(failure.Kind)),
		zap.Error(failure.Err))
}
