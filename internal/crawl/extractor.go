package crawl

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/fetch"
	"github.com/websfactory/oliveyoung-product-collector/internal/identity"
	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

// Failure is a classified per-item extraction failure.
type Failure struct {
	Kind model.FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Extractor fetches one product detail page and turns it into a master
// record plus an observation.
type Extractor struct {
	fetcher *fetch.Fetcher
	pool    *identity.Pool
	baseURL string
	schema  Schema
	logger  *zap.Logger

	now func() time.Time
}

// NewExtractor creates a product detail extractor.
func NewExtractor(fetcher *fetch.Fetcher, pool *identity.Pool, baseURL string, logger *zap.Logger) *Extractor {
	return &Extractor{
		fetcher: fetcher,
		pool:    pool,
		baseURL: baseURL,
		schema:  DetailSchema(),
		logger:  logger,
		now:     time.Now,
	}
}

func (e *Extractor) detailURL(goodsNo string) string {
	return fmt.Sprintf("%s/goods/getGoodsDetail.do?goodsNo=%s", e.baseURL, goodsNo)
}

// Extract resolves one product reference. Exactly one of the three results
// is meaningful per call: a product with its observation on success, a
// classified failure otherwise. The returned error is reserved for
// cancellation and infrastructure trouble.
func (e *Extractor) Extract(ctx context.Context, ref ProductRef) (*model.Product, *model.Observation, *Failure, error) {
	id, err := acquireIdentity(ctx, e.pool, e.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	outcome, err := e.fetcher.Fetch(ctx, e.detailURL(ref.GoodsNo), id)
	if err != nil {
		return nil, nil, nil, err
	}
	if outcome.Status != fetch.StatusOK {
		return nil, nil, &Failure{
			Kind: failureKind(outcome.Status),
			Err:  fmt.Errorf("detail page returned %s (HTTP %d)", outcome.Status, outcome.HTTPCode),
		}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(outcome.Body))
	if err != nil {
		return nil, nil, &Failure{
			Kind: model.FailureMalformed,
			Err:  fmt.Errorf("failed to parse detail page: %w", err),
		}, nil
	}

	values, missing := e.schema.Apply(doc)
	if values["price_original"] == "" && values["price_current"] == "" {
		missing = append(missing, "price")
	}
	if len(missing) > 0 {
		return nil, nil, &Failure{
			Kind: model.FailureMalformed,
			Err:  fmt.Errorf("detail page missing required fields: %s", strings.Join(missing, ", ")),
		}, nil
	}

	now := e.now()

	product := &model.Product{
		GoodsNo:       ref.GoodsNo,
		ItemNo:        values["item_no"],
		Name:          model.NormalizeText(values["name"]),
		Brand:         model.NormalizeText(values["brand"]),
		CategoryID:    ref.CategoryID,
		ProductURL:    e.detailURL(ref.GoodsNo),
		ImageURL:      values["image_url"],
		Attrs:         map[string]string{},
		FirstSeenAt:   now,
		LastUpdatedAt: now,
	}
	if category := values["category"]; category != "" {
		product.Attrs["category_name"] = model.NormalizeText(category)
	}

	// Ingredient disclosure lives behind a separate article endpoint and is
	// best effort: products without one are still valid.
	product.Ingredients = e.fetchIngredients(ctx, ref.GoodsNo, values["item_no"], id)

	priceOriginal := digitsOnly(values["price_original"])
	priceCurrent := digitsOnly(values["price_current"])
	if priceCurrent == 0 {
		priceCurrent = priceOriginal
	}
	if priceOriginal == 0 {
		priceOriginal = priceCurrent
	}

	obs := &model.Observation{
		GoodsNo:       ref.GoodsNo,
		CategoryID:    ref.CategoryID,
		CapturedAt:    now,
		Rank:          ref.Rank,
		PriceOriginal: priceOriginal,
		PriceCurrent:  priceCurrent,
		RatingPercent: parseRating(values["rating"]),
		ReviewCount:   digitsOnly(values["review_count"]),
	}

	return product, obs, nil, nil
}

// fetchIngredients POSTs the goods article endpoint for the ingredient
// disclosure. Any failure degrades to an empty list.
func (e *Extractor) fetchIngredients(ctx context.Context, goodsNo, itemNo string, id identity.Identity) []string {
	if itemNo == "" {
		itemNo = "001"
	}

	form := url.Values{
		"goodsNo":    {goodsNo},
		"itemNo":     {itemNo},
		"pkgGoodsYn": {"N"},
	}

	outcome, err := e.fetcher.PostForm(ctx, e.baseURL+"/goods/getGoodsArtcAjax.do", form, id)
	// The article endpoint answers with a fragment, so a short 200 body is
	// normal here, not a malformed page.
	if err != nil || (outcome.Status != fetch.StatusOK && outcome.Status != fetch.StatusMalformed) {
		e.logger.Debug("Ingredient lookup skipped",
			zap.String("goods_no", goodsNo),
			zap.Error(err))
		return nil
	}

	return model.SplitIngredients(parseIngredients(outcome.Body))
}

// parseRating reads the displayed rating and normalizes it to a percentage.
// The storefront shows a 5-point scale.
func parseRating(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	if v <= 5 {
		v *= 20
	}
	if v > 100 {
		v = 100
	}
	return v
}

func failureKind(status fetch.Status) model.FailureKind {
	switch status {
	case fetch.StatusBlocked:
		return model.FailureBlocked
	case fetch.StatusNotFound:
		return model.FailureNotFound
	case fetch.StatusMalformed:
		return model.FailureMalformed
	default:
		return model.FailureTransient
	}
}
