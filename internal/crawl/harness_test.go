package crawl

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/websfactory/oliveyoung-product-collector/internal/fetch"
	"github.com/websfactory/oliveyoung-product-collector/internal/identity"
	"github.com/websfactory/oliveyoung-product-collector/internal/ratelimit"
)

// testSite fakes the storefront: category listings with pagination, detail
// pages and the ingredient article endpoint.
type testSite struct {
	mu       sync.Mutex
	pageSize int

	popularity map[string][]string // category -> goods in popularity order
	sales      map[string][]string // category -> goods in sales order
	emptied    map[string]bool     // category now lists zero products

	blockedGoods   map[string]bool // detail page answers 405
	goneGoods      map[string]bool // detail page shows the no-product error
	brokenGoods    map[string]bool // detail page missing required fields
	blockedListing map[string]bool // listing answers 405

	hits map[string]int
}

func newTestSite(pageSize int) *testSite {
	return &testSite{
		pageSize:       pageSize,
		popularity:     make(map[string][]string),
		sales:          make(map[string][]string),
		emptied:        make(map[string]bool),
		blockedGoods:   make(map[string]bool),
		goneGoods:      make(map[string]bool),
		brokenGoods:    make(map[string]bool),
		blockedListing: make(map[string]bool),
		hits:           make(map[string]int),
	}
}

func (s *testSite) addCategory(id string, goodsNos ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.popularity[id] = goodsNos

	// Sales order is popularity reversed unless set explicitly.
	reversed := make([]string, len(goodsNos))
	for i, g := range goodsNos {
		reversed[len(goodsNos)-1-i] = g
	}
	s.sales[id] = reversed
}

func (s *testSite) hitCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

func (s *testSite) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "getMCategoryList.do"):
			s.serveListing(w, r)
		case strings.Contains(r.URL.Path, "getGoodsDetail.do"):
			s.serveDetail(w, r)
		case strings.Contains(r.URL.Path, "getGoodsArtcAjax.do"):
			s.serveArticle(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

func (s *testSite) serveListing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	categoryID := q.Get("dispCatNo")
	page, _ := strconv.Atoi(q.Get("pageIdx"))
	if page < 1 {
		page = 1
	}

	s.mu.Lock()
	s.hits["listing:"+categoryID]++
	blocked := s.blockedListing[categoryID]
	emptied := s.emptied[categoryID]
	order := s.popularity[categoryID]
	if q.Get("prdSort") == string(SortSales) {
		order = s.sales[categoryID]
	}
	s.mu.Unlock()

	if blocked {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if emptied {
		order = nil
	}

	totalPages := (len(order) + s.pageSize - 1) / s.pageSize
	if totalPages < 1 {
		totalPages = 1
	}

	var pageGoods []string
	from := (page - 1) * s.pageSize
	if from < len(order) {
		to := from + s.pageSize
		if to > len(order) {
			to = len(order)
		}
		pageGoods = order[from:to]
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, `<p class="cate_info_tx">총 <span>%d</span>개의 상품</p>`, len(order))
	b.WriteString(`<ul class="cate_prd_list">`)
	for _, goodsNo := range pageGoods {
		fmt.Fprintf(&b, `<li><a class="prd_thumb" href="/store/goods/getGoodsDetail.do?goodsNo=%s">item</a></li>`, goodsNo)
	}
	b.WriteString("</ul>")
	b.WriteString(`<div class="pageing">`)
	for p := 1; p <= totalPages; p++ {
		fmt.Fprintf(&b, `<a href="#">%d</a>`, p)
	}
	b.WriteString("</div></body></html>")

	_, _ = w.Write([]byte(b.String()))
}

func (s *testSite) serveDetail(w http.ResponseWriter, r *http.Request) {
	goodsNo := r.URL.Query().Get("goodsNo")

	s.mu.Lock()
	s.hits["detail:"+goodsNo]++
	blocked := s.blockedGoods[goodsNo]
	gone := s.goneGoods[goodsNo]
	broken := s.brokenGoods[goodsNo]
	s.mu.Unlock()

	if blocked {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if gone {
		_, _ = w.Write([]byte(`<html><body><div class="error-page noProduct">상품을 찾을 수 없습니다</div></body></html>`))
		return
	}

	brand := fmt.Sprintf(`<meta property="eg:brandName" content="Brand of %s">`, goodsNo)
	if broken {
		brand = ""
	}

	page := fmt.Sprintf(`<html><head>
<meta property="eg:itemName" content="Product %s">
%s
<meta property="eg:originalPrice" content="12,000">
<meta property="eg:salePrice" content="9,900">
<meta property="eg:itemImage" content="https://image.example.com/%s.jpg">
<meta property="eg:category3" content="Toner">
</head><body>
<input type="hidden" id="itemNo" value="001">
<div id="repReview"><b>4.5</b><em>(123)</em></div>
</body></html>`, goodsNo, brand, goodsNo)

	_, _ = w.Write([]byte(page))
}

func (s *testSite) serveArticle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.hits["article:"+r.FormValue("goodsNo")]++
	s.mu.Unlock()

	_, _ = w.Write([]byte(`<dl class="detail_info_list">
<dt>화장품법에 따라 기재해야 하는 모든 성분</dt>
<dd>정제수, 글리세린, 나이아신아마이드</dd>
</dl>`))
}

// testEnv assembles the crawl components against a fake site and in-memory
// repositories.
type testEnv struct {
	site      *testSite
	server    *httptest.Server
	pool      *identity.Pool
	traverser *Traverser
	extractor *Extractor

	categories   *fakeCategoryRepo
	products     *fakeProductRepo
	observations *fakeObservationRepo
	runs         *fakeRunRepo
	failures     *fakeFailureRepo
	notifier     *fakeNotifier
}

func newTestEnv(t *testing.T, site *testSite) *testEnv {
	t.Helper()

	server := httptest.NewServer(site.handler())
	t.Cleanup(server.Close)

	log := zap.NewNop()
	pool := identity.NewPool(2, &identity.StaticTokenSource{Value: "token", TTL: time.Hour}, identity.Config{
		CooldownBase: time.Millisecond,
		CooldownMax:  5 * time.Millisecond,
	}, log)
	rate := ratelimit.NewController(ratelimit.Config{
		BaseDelay:   time.Millisecond,
		GlobalDelay: 0,
		MaxDelay:    5 * time.Millisecond,
		ResetAfter:  2,
	}, log)

	fetcher := fetch.NewFetcher(server.Client(), &fetch.SiteClassifier{MinBodyBytes: 10}, pool, rate, "", 1, log)

	var categoryIDs []string
	for id := range site.popularity {
		categoryIDs = append(categoryIDs, id)
	}

	return &testEnv{
		site:         site,
		server:       server,
		pool:         pool,
		traverser:    NewTraverser(fetcher, pool, server.URL+"/store", site.pageSize, log),
		extractor:    NewExtractor(fetcher, pool, server.URL+"/store", log),
		categories:   newFakeCategoryRepo(categoryIDs...),
		products:     newFakeProductRepo(),
		observations: newFakeObservationRepo(),
		runs:         newFakeRunRepo(),
		failures:     newFakeFailureRepo(),
		notifier:     &fakeNotifier{},
	}
}

func (e *testEnv) repositories() Repositories {
	return Repositories{
		Categories:   e.categories,
		Products:     e.products,
		Observations: e.observations,
		Runs:         e.runs,
		Failures:     e.failures,
	}
}

func (e *testEnv) coordinator(workers int) *Coordinator {
	return NewCoordinator(e.traverser, e.extractor, e.repositories(), e.notifier, workers, zap.NewNop())
}

func (e *testEnv) reconciler() *Reconciler {
	return NewReconciler(e.traverser, e.extractor, e.repositories(), time.Millisecond, zap.NewNop())
}
