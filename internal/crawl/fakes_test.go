package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

type fakeCategoryRepo struct {
	mu        sync.Mutex
	cats      []model.Category
	collected map[string]time.Time
}

func newFakeCategoryRepo(ids ...string) *fakeCategoryRepo {
	repo := &fakeCategoryRepo{collected: make(map[string]time.Time)}
	for _, id := range ids {
		repo.cats = append(repo.cats, model.Category{CategoryID: id, Name: "category " + id})
	}
	return repo
}

func (r *fakeCategoryRepo) GetAll(_ context.Context) ([]model.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Category(nil), r.cats...), nil
}

func (r *fakeCategoryRepo) GetByID(_ context.Context, id string) (*model.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.cats {
		if r.cats[i].CategoryID == id {
			cat := r.cats[i]
			return &cat, nil
		}
	}
	return nil, nil
}

func (r *fakeCategoryRepo) GetScheduledFor(_ context.Context, weekday int) ([]model.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Category
	for _, cat := range r.cats {
		if cat.ScheduledDay == weekday {
			out = append(out, cat)
		}
	}
	return out, nil
}

func (r *fakeCategoryRepo) Upsert(_ context.Context, category *model.Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.cats {
		if r.cats[i].CategoryID == category.CategoryID {
			r.cats[i] = *category
			return nil
		}
	}
	r.cats = append(r.cats, *category)
	return nil
}

func (r *fakeCategoryRepo) MarkCollected(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collected[id] = at
	return nil
}

type fakeProductRepo struct {
	mu       sync.Mutex
	products map[string]*model.Product
	upserts  int
	failWith error
}

func newFakeProductRepo() *fakeProductRepo {
	return &fakeProductRepo{products: make(map[string]*model.Product)}
}

func (r *fakeProductRepo) Upsert(_ context.Context, product *model.Product) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failWith != nil {
		return false, r.failWith
	}

	r.upserts++
	if product.Fingerprint == "" {
		product.Fingerprint = product.ComputeFingerprint()
	}

	existing, ok := r.products[product.GoodsNo]
	if ok && existing.Fingerprint == product.Fingerprint {
		return false, nil
	}

	clone := *product
	r.products[product.GoodsNo] = &clone
	return true, nil
}

func (r *fakeProductRepo) GetByGoodsNo(_ context.Context, goodsNo string) (*model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.products[goodsNo]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

type fakeObservationRepo struct {
	mu   sync.Mutex
	rows []model.Observation
	seen map[string]bool
}

func newFakeObservationRepo() *fakeObservationRepo {
	return &fakeObservationRepo{seen: make(map[string]bool)}
}

func (r *fakeObservationRepo) Append(_ context.Context, obs *model.Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s/%d", obs.GoodsNo, obs.RunID)
	if r.seen[key] {
		return nil
	}
	r.seen[key] = true
	r.rows = append(r.rows, *obs)
	return nil
}

func (r *fakeObservationRepo) CountByRun(_ context.Context, runID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, obs := range r.rows {
		if obs.RunID == runID {
			count++
		}
	}
	return count, nil
}

func (r *fakeObservationRepo) MissingSince(_ context.Context, previousRunID, currentRunID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]bool)
	for _, obs := range r.rows {
		if obs.RunID == currentRunID {
			current[obs.GoodsNo] = true
		}
	}

	var missing []string
	seen := make(map[string]bool)
	for _, obs := range r.rows {
		if obs.RunID == previousRunID && !current[obs.GoodsNo] && !seen[obs.GoodsNo] {
			seen[obs.GoodsNo] = true
			missing = append(missing, obs.GoodsNo)
		}
	}
	return missing, nil
}

type fakeRunRepo struct {
	mu     sync.Mutex
	runs   map[int64]*model.CollectionRun
	nextID int64
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[int64]*model.CollectionRun)}
}

func (r *fakeRunRepo) Create(_ context.Context, run *model.CollectionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	run.ID = r.nextID
	clone := *run
	r.runs[run.ID] = &clone
	return nil
}

func (r *fakeRunRepo) Update(_ context.Context, run *model.CollectionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *run
	r.runs[run.ID] = &clone
	return nil
}

func (r *fakeRunRepo) GetByID(_ context.Context, id int64) (*model.CollectionRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		clone := *run
		return &clone, nil
	}
	return nil, nil
}

func (r *fakeRunRepo) GetPrevious(_ context.Context, beforeID int64) (*model.CollectionRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *model.CollectionRun
	for id, run := range r.runs {
		if id >= beforeID {
			continue
		}
		if run.Kind != model.RunKindCollection {
			continue
		}
		if run.Status != model.RunComplete && run.Status != model.RunPartial {
			continue
		}
		if best == nil || run.ID > best.ID {
			best = run
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

// cancellingRunRepo refuses storage calls once the context is gone, the way
// the real repositories do, and cancels the run at a chosen point so tests
// can interrupt a pass mid-flight.
type cancellingRunRepo struct {
	*fakeRunRepo
	cancel         context.CancelFunc
	cancelOnCreate bool
	updates        int
}

func (r *cancellingRunRepo) Create(ctx context.Context, run *model.CollectionRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.fakeRunRepo.Create(ctx, run); err != nil {
		return err
	}
	if r.cancelOnCreate {
		r.cancel()
	}
	return nil
}

func (r *cancellingRunRepo) Update(ctx context.Context, run *model.CollectionRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.updates++
	if !r.cancelOnCreate && r.updates == 1 {
		r.cancel()
	}
	return r.fakeRunRepo.Update(ctx, run)
}

type fakeFailureRepo struct {
	mu      sync.Mutex
	records []*model.FailureRecord
	nextID  int64
}

func newFakeFailureRepo() *fakeFailureRepo {
	return &fakeFailureRepo{}
}

func (r *fakeFailureRepo) open(goodsNo, categoryID string) *model.FailureRecord {
	for _, record := range r.records {
		if record.GoodsNo == goodsNo && record.CategoryID == categoryID && record.Status == model.FailureOpen {
			return record
		}
	}
	return nil
}

func (r *fakeFailureRepo) Record(_ context.Context, failure *model.FailureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing := r.open(failure.GoodsNo, failure.CategoryID); existing != nil {
		existing.Kind = failure.Kind
		existing.LastError = failure.LastError
		existing.AttemptCount++
		existing.LastAttemptAt = now
		existing.UpdatedAt = now
		existing.RunID = failure.RunID
		*failure = *existing
		return nil
	}

	r.nextID++
	failure.ID = r.nextID
	failure.Status = model.FailureOpen
	if failure.AttemptCount == 0 {
		failure.AttemptCount = 1
	}
	if failure.MaxAttempts == 0 {
		failure.MaxAttempts = 5
	}
	failure.LastAttemptAt = now
	failure.CreatedAt = now
	failure.UpdatedAt = now

	clone := *failure
	r.records = append(r.records, &clone)
	return nil
}

func (r *fakeFailureRepo) GetOpen(_ context.Context, runID int64) ([]model.FailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.FailureRecord
	for _, record := range r.records {
		if record.Status != model.FailureOpen {
			continue
		}
		if runID != 0 && record.RunID != runID {
			continue
		}
		out = append(out, *record)
	}
	return out, nil
}

func (r *fakeFailureRepo) Update(_ context.Context, failure *model.FailureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, record := range r.records {
		if record.ID == failure.ID {
			clone := *failure
			r.records[i] = &clone
			return nil
		}
	}
	return fmt.Errorf("no failure record %d", failure.ID)
}

func (r *fakeFailureRepo) Resolve(_ context.Context, goodsNo, categoryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record := r.open(goodsNo, categoryID); record != nil {
		record.Status = model.FailureResolved
		record.UpdatedAt = time.Now()
	}
	return nil
}

func (r *fakeFailureRepo) CountOpen(_ context.Context, runID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, record := range r.records {
		if record.Status != model.FailureOpen {
			continue
		}
		if runID != 0 && record.RunID != runID {
			continue
		}
		count++
	}
	return count, nil
}

func (r *fakeFailureRepo) byGoodsNo(goodsNo string) *model.FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.GoodsNo == goodsNo {
			clone := *record
			return &clone
		}
	}
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	runs []model.CollectionRun
}

func (n *fakeNotifier) NotifyRun(_ context.Context, run *model.CollectionRun) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, *run)
	return nil
}
