package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/fetch"
	"github.com/websfactory/oliveyoung-product-collector/internal/identity"
)

// SortOrder selects the listing order a traversal walks in.
type SortOrder string

const (
	// SortPopularity is the site default and defines the stored rank.
	SortPopularity SortOrder = ""
	// SortSales orders by sales volume, used by the pre-pass that builds the
	// sales-rank map.
	SortSales SortOrder = "03"
)

// ProductRef is one product reference discovered during traversal. Rank is
// the 1-based position across the whole category, not within the page.
type ProductRef struct {
	CategoryID string
	GoodsNo    string
	Rank       int
	Page       int
}

// ErrEmptyCategory reports a category whose listing page declares zero
// products. Distinguished from a fetch failure so reconciliation can mark
// the category's backlog absent instead of retrying it.
var ErrEmptyCategory = errors.New("category lists no products")

// PageError reports a listing page that could not be fetched cleanly.
type PageError struct {
	CategoryID string
	Page       int
	Status     fetch.Status
	HTTPCode   int
}

func (e *PageError) Error() string {
	return fmt.Sprintf("category %s page %d: %s (HTTP %d)", e.CategoryID, e.Page, e.Status, e.HTTPCode)
}

// Traverser walks paginated category listings and emits product references
// lazily, page by page.
type Traverser struct {
	fetcher  *fetch.Fetcher
	pool     *identity.Pool
	baseURL  string
	pageSize int
	logger   *zap.Logger
}

// NewTraverser creates a category traverser.
func NewTraverser(fetcher *fetch.Fetcher, pool *identity.Pool, baseURL string, pageSize int, logger *zap.Logger) *Traverser {
	if pageSize <= 0 {
		pageSize = 48
	}

	return &Traverser{
		fetcher:  fetcher,
		pool:     pool,
		baseURL:  baseURL,
		pageSize: pageSize,
		logger:   logger,
	}
}

func (t *Traverser) listingURL(categoryID string, sort SortOrder, page int) string {
	url := fmt.Sprintf("%s/display/getMCategoryList.do?dispCatNo=%s&rowsPerPage=%d&pageIdx=%d",
		t.baseURL, categoryID, t.pageSize, page)
	if sort != SortPopularity {
		url += "&prdSort=" + string(sort)
	}
	return url
}

// Traverse walks every listing page of a category in the given order and
// calls emit for each product reference, in rank order. Emit returning false
// stops the traversal early without error.
//
// Two consecutive pages without products end the walk even if the pagination
// block promised more, so a lying pager cannot loop the traverser forever.
func (t *Traverser) Traverse(ctx context.Context, categoryID string, sort SortOrder, emit func(ProductRef) bool) error {
	totalPages := 1
	emptyStreak := 0

	for page := 1; page <= totalPages; page++ {
		body, err := t.fetchPage(ctx, categoryID, sort, page)
		if err != nil {
			return err
		}

		if page == 1 {
			totalPages = parseTotalPages(body)
			if count := parseProductCount(body); count == 0 {
				return fmt.Errorf("category %s: %w", categoryID, ErrEmptyCategory)
			}
		}

		goodsNos, err := parseListing(body)
		if err != nil {
			return fmt.Errorf("failed to parse listing for category %s page %d: %w", categoryID, page, err)
		}

		if len(goodsNos) == 0 {
			emptyStreak++
			t.logger.Warn("Listing page carried no products",
				zap.String("category_id", categoryID),
				zap.Int("page", page))
			if emptyStreak >= 2 {
				break
			}
			continue
		}
		emptyStreak = 0

		for i, goodsNo := range goodsNos {
			ref := ProductRef{
				CategoryID: categoryID,
				GoodsNo:    goodsNo,
				Rank:       (page-1)*t.pageSize + i + 1,
				Page:       page,
			}
			if !emit(ref) {
				return nil
			}
		}

		t.logger.Debug("Listing page traversed",
			zap.String("category_id", categoryID),
			zap.Int("page", page),
			zap.Int("total_pages", totalPages),
			zap.Int("products", len(goodsNos)))
	}

	return nil
}

// Ranks traverses a category and returns goods number to rank. Used for the
// sales-order pre-pass, where only the mapping matters.
func (t *Traverser) Ranks(ctx context.Context, categoryID string, sort SortOrder) (map[string]int, error) {
	ranks := make(map[string]int)
	err := t.Traverse(ctx, categoryID, sort, func(ref ProductRef) bool {
		if _, seen := ranks[ref.GoodsNo]; !seen {
			ranks[ref.GoodsNo] = ref.Rank
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return ranks, nil
}

// ProductCount probes the first listing page and returns the declared product
// count, or -1 when the page carries none.
func (t *Traverser) ProductCount(ctx context.Context, categoryID string) (int, error) {
	body, err := t.fetchPage(ctx, categoryID, SortPopularity, 1)
	if err != nil {
		return 0, err
	}
	return parseProductCount(body), nil
}

func (t *Traverser) fetchPage(ctx context.Context, categoryID string, sort SortOrder, page int) ([]byte, error) {
	id, err := acquireIdentity(ctx, t.pool, t.logger)
	if err != nil {
		return nil, err
	}

	outcome, err := t.fetcher.Fetch(ctx, t.listingURL(categoryID, sort, page), id)
	if err != nil {
		return nil, err
	}
	if outcome.Status != fetch.StatusOK {
		return nil, &PageError{
			CategoryID: categoryID,
			Page:       page,
			Status:     outcome.Status,
			HTTPCode:   outcome.HTTPCode,
		}
	}

	return outcome.Body, nil
}

// acquireIdentity waits out pool exhaustion instead of failing: when every
// identity is cooling down, nothing useful can be dispatched anyway.
func acquireIdentity(ctx context.Context, pool *identity.Pool, logger *zap.Logger) (identity.Identity, error) {
	for {
		id, err := pool.Acquire(ctx)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, identity.ErrExhaustedPool) {
			return identity.Identity{}, err
		}

		wait := pool.NextAvailable()
		if wait <= 0 {
			wait = time.Second
		}
		logger.Warn("Identity pool exhausted, holding dispatch",
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return identity.Identity{}, ctx.Err()
		}
	}
}
