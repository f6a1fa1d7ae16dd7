// Package scheduler runs scheduled category collections.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/crawl"
	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// Scheduler fires on a cron spec and collects the categories scheduled for
// the current weekday, then reconciles the run's failure backlog.
type Scheduler struct {
	cron        *cron.Cron
	coordinator *crawl.Coordinator
	reconciler  *crawl.Reconciler
	categories  model.CategoryRepository
	spec        string
	logger      *zap.Logger

	now func() time.Time
}

// New creates a scheduler.
func New(coordinator *crawl.Coordinator, reconciler *crawl.Reconciler, categories model.CategoryRepository, spec string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		coordinator: coordinator,
		reconciler:  reconciler,
		categories:  categories,
		spec:        spec,
		logger:      logger,
		now:         time.Now,
	}
}

// Run registers the cron entry and blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid schedule spec %q: %w", s.spec, err)
	}

	s.logger.Info("Scheduler started", zap.String("spec", s.spec))
	s.cron.Start()

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
	return ctx.Err()
}

// tick collects everything scheduled for today's weekday.
func (s *Scheduler) tick(ctx context.Context) {
	weekday := isoWeekday(s.now())

	categories, err := s.categories.GetScheduledFor(ctx, weekday)
	if err != nil {
		s.logger.Error("Failed to load scheduled categories", zap.Error(err))
		return
	}
	if len(categories) == 0 {
		s.logger.Info("No categories scheduled for today",
			zap.Int("weekday", weekday))
		return
	}

	ids := make([]string, 0, len(categories))
	for _, cat := range categories {
		ids = append(ids, cat.CategoryID)
	}

	s.logger.Info("Scheduled collection starting",
		zap.Int("weekday", weekday),
		zap.Strings("categories", ids))

	run, err := s.coordinator.Run(ctx, ids)
	if err != nil {
		s.logger.Error("Scheduled collection failed", zap.Error(err))
		return
	}

	if _, err := s.reconciler.Reconcile(ctx, run.ID); err != nil {
		s.logger.Error("Scheduled reconciliation failed",
			zap.Int64("run_id", run.ID),
			zap.Error(err))
	}
}

// isoWeekday maps time.Weekday to ISO numbering, Monday 1 through Sunday 7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
