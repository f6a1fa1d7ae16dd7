package crawl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

func TestReconciler_EmptyBacklog(t *testing.T) {
	env := newTestEnv(t, newTestSite(4))

	report, err := env.reconciler().Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Picked)
	assert.Empty(t, env.runs.runs, "no reconciliation run without work")
}

func TestReconciler_RecoversBlockedItems(t *testing.T) {
	site := newTestSite(8)
	site.addCategory("1000001", "B1", "B2", "B3")
	site.blockedGoods["B2"] = true

	env := newTestEnv(t, site)

	run, err := env.coordinator(1).Run(context.Background(), []string{"1000001"})
	require.NoError(t, err)
	require.Equal(t, model.RunPartial, run.Status)

	// The block clears before reconciliation.
	site.mu.Lock()
	site.blockedGoods["B2"] = false
	site.mu.Unlock()

	report, err := env.reconciler().Reconcile(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Picked)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.StillOpen)

	record := env.failures.byGoodsNo("B2")
	require.NotNil(t, record)
	assert.Equal(t, model.FailureResolved, record.Status)

	// The recovered item got an observation under the reconciliation run.
	count, err := env.observations.CountByRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	open, err := env.failures.CountOpen(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, open)
}

func TestReconciler_NotFoundConfirmedAbsent(t *testing.T) {
	site := newTestSite(8)
	site.addCategory("1000001", "N1", "N2")
	site.goneGoods["N2"] = true

	env := newTestEnv(t, site)

	run, err := env.coordinator(1).Run(context.Background(), []string{"1000001"})
	require.NoError(t, err)
	require.Equal(t, 1, run.NotFound)

	// The reconciliation retry sees NOT_FOUND a second time, which confirms
	// the item is gone.
	report, err := env.reconciler().Reconcile(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Absent)

	record := env.failures.byGoodsNo("N2")
	require.NotNil(t, record)
	assert.Equal(t, model.FailureAbsent, record.Status)

	detailHits := site.hitCount("detail:N2")

	// Another pass must not touch the item again.
	report, err = env.reconciler().Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Picked)
	assert.Equal(t, detailHits, site.hitCount("detail:N2"))
}

func TestReconciler_FirstNotFoundKeepsRecordOpen(t *testing.T) {
	site := newTestSite(8)
	site.addCategory("1000001", "T1", "T2")

	env := newTestEnv(t, site)

	// The record was opened for a transient failure; by reconciliation time
	// the product is gone from the catalog.
	require.NoError(t, env.failures.Record(context.Background(), &model.FailureRecord{
		RunID:      1,
		GoodsNo:    "T2",
		CategoryID: "1000001",
		Kind:       model.FailureTransient,
	}))
	site.goneGoods["T2"] = true

	report, err := env.reconciler().Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Absent, "first NOT_FOUND is not yet a confirmation")

	record := env.failures.byGoodsNo("T2")
	require.NotNil(t, record)
	assert.Equal(t, model.FailureOpen, record.Status)
	assert.Equal(t, model.FailureNotFound, record.Kind)
	assert.Equal(t, 2, record.AttemptCount)

	// The second pass confirms absence.
	report, err = env.reconciler().Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Absent)
	assert.Equal(t, model.FailureAbsent, env.failures.byGoodsNo("T2").Status)
}

func TestReconciler_EscalatesAtAttemptCeiling(t *testing.T) {
	site := newTestSite(8)
	site.addCategory("1000001", "M1")
	site.brokenGoods["M1"] = true

	env := newTestEnv(t, site)

	require.NoError(t, env.failures.Record(context.Background(), &model.FailureRecord{
		RunID:       1,
		GoodsNo:     "M1",
		CategoryID:  "1000001",
		Kind:        model.FailureMalformed,
		MaxAttempts: 3,
	}))

	// Pass 1 bumps to 2, pass 2 bumps to 3 and escalates.
	for i := 0; i < 2; i++ {
		_, err := env.reconciler().Reconcile(context.Background(), 0)
		require.NoError(t, err)
	}

	record := env.failures.byGoodsNo("M1")
	require.NotNil(t, record)
	assert.Equal(t, model.FailureEscalated, record.Status)
	assert.Equal(t, 3, record.AttemptCount)

	detailHits := site.hitCount("detail:M1")

	// Escalated records never retry again.
	report, err := env.reconciler().Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Picked)
	assert.Equal(t, detailHits, site.hitCount("detail:M1"))
}

func TestReconciler_InterruptedPassPersistsRun(t *testing.T) {
	site := newTestSite(4)
	site.addCategory("1000001", "R1")

	env := newTestEnv(t, site)
	require.NoError(t, env.failures.Record(context.Background(), &model.FailureRecord{
		RunID:      1,
		GoodsNo:    "R1",
		CategoryID: "1000001",
		Kind:       model.FailureTransient,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The repo honors cancellation like the real one and pulls the plug as
	// soon as the reconciliation run exists.
	runs := &cancellingRunRepo{fakeRunRepo: env.runs, cancel: cancel, cancelOnCreate: true}
	repos := env.repositories()
	repos.Runs = runs

	reconciler := NewReconciler(env.traverser, env.extractor, repos, time.Millisecond, zap.NewNop())
	report, err := reconciler.Reconcile(ctx, 0)
	require.NoError(t, err)

	stored, err := env.runs.GetByID(context.Background(), report.RunID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.RunPartial, stored.Status,
		"an interrupted pass must still persist its final status, not leave RUNNING behind")
}

func TestReconciler_EmptiedCategoryMarksBacklogAbsent(t *testing.T) {
	site := newTestSite(8)
	site.addCategory("1000001", "E1", "E2")

	env := newTestEnv(t, site)

	for _, goodsNo := range []string{"E1", "E2"} {
		require.NoError(t, env.failures.Record(context.Background(), &model.FailureRecord{
			RunID:      1,
			GoodsNo:    goodsNo,
			CategoryID: "1000001",
			Kind:       model.FailureTransient,
		}))
	}

	site.emptied["1000001"] = true

	report, err := env.reconciler().Reconcile(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Absent)
	assert.Equal(t, 0, site.hitCount("detail:E1"), "no detail fetches for an emptied category")
	assert.Equal(t, model.FailureAbsent, env.failures.byGoodsNo("E1").Status)
	assert.Equal(t, model.FailureAbsent, env.failures.byGoodsNo("E2").Status)
}
