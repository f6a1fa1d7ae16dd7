// Package categories discovers the store category tree.
package categories

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

var dispCatNoPattern = regexp.MustCompile(`dispCatNo=([0-9]+)`)

// Discovery crawls the storefront navigation and upserts every category it
// finds. It runs with its own lightweight collector: the navigation pages
// sit outside the WAF-guarded listing endpoints.
type Discovery struct {
	categories   model.CategoryRepository
	baseURL      string
	requestDelay time.Duration
	logger       *zap.Logger
}

// NewDiscovery creates a category discoverer.
func NewDiscovery(categories model.CategoryRepository, baseURL string, requestDelay time.Duration, logger *zap.Logger) *Discovery {
	if requestDelay <= 0 {
		requestDelay = time.Second
	}

	return &Discovery{
		categories:   categories,
		baseURL:      baseURL,
		requestDelay: requestDelay,
		logger:       logger,
	}
}

// Discover walks the store navigation starting from the main page, harvests
// every category link and upserts the tree. It returns the number of
// categories stored.
func (d *Discovery) Discover(ctx context.Context) (int, error) {
	host := ""
	if u, err := url.Parse(d.baseURL); err == nil {
		host = u.Host
	}

	options := []colly.CollectorOption{
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		colly.MaxDepth(2),
	}
	if host != "" {
		options = append(options, colly.AllowedDomains(host))
	}
	collector := colly.NewCollector(options...)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Delay:       d.requestDelay,
		RandomDelay: d.requestDelay / 2,
	}); err != nil {
		d.logger.Error("Failed to set collector limit", zap.Error(err))
	}

	collector.SetRequestTimeout(60 * time.Second)

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "ko-KR,ko;q=0.8,en-US;q=0.5,en;q=0.3")
	})

	var mu sync.Mutex
	found := make(map[string]string) // category id -> display name

	collector.OnHTML(`a[href*="dispCatNo="]`, func(e *colly.HTMLElement) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m := dispCatNoPattern.FindStringSubmatch(e.Attr("href"))
		if m == nil {
			return
		}
		id := m[1]
		name := strings.Join(strings.Fields(e.Text), " ")

		mu.Lock()
		if existing, ok := found[id]; !ok || (existing == "" && name != "") {
			found[id] = name
		}
		mu.Unlock()

		// Follow first-level category pages; their side menus list the
		// deeper subcategories.
		if e.Request.Depth < 2 {
			_ = e.Request.Visit(e.Attr("href"))
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		select {
		case <-ctx.Done():
			d.logger.Warn("Discovery stopped due to context cancellation",
				zap.String("url", r.Request.URL.String()))
		default:
			d.logger.Error("Failed to fetch navigation page",
				zap.String("url", r.Request.URL.String()),
				zap.Error(err))
		}
	})

	if err := collector.Visit(d.baseURL + "/main/main.do"); err != nil {
		return 0, fmt.Errorf("failed to visit store main page: %w", err)
	}
	collector.Wait()

	if len(found) == 0 {
		return 0, fmt.Errorf("no categories discovered")
	}

	stored := 0
	for _, id := range sortedIDs(found) {
		if ctx.Err() != nil {
			return stored, ctx.Err()
		}

		category := &model.Category{
			CategoryID: id,
			Name:       found[id],
			ParentID:   parentOf(id, found),
			Path:       found[id],
		}
		if category.Name == "" {
			category.Name = id
		}

		if err := d.categories.Upsert(ctx, category); err != nil {
			d.logger.Error("Failed to upsert category",
				zap.String("category_id", id),
				zap.Error(err))
			continue
		}
		stored++
	}

	d.logger.Info("Category discovery finished",
		zap.Int("found", len(found)),
		zap.Int("stored", stored))

	return stored, nil
}

func sortedIDs(found map[string]string) []string {
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// parentOf picks the longest discovered category id that is a proper prefix
// of the given one. Category codes encode the tree positionally, so the
// parent is always a prefix.
func parentOf(id string, found map[string]string) string {
	parent := ""
	for candidate := range found {
		if candidate == id || !strings.HasPrefix(id, candidate) {
			continue
		}
		if len(candidate) > len(parent) {
			parent = candidate
		}
	}
	return parent
}
