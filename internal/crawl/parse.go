package crawl

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var goodsNoPattern = regexp.MustCompile(`goodsNo=([A-Za-z0-9]+)`)

// parseListing extracts the ordered goods numbers from a category listing
// page. Row order is the popularity order the site rendered.
func parseListing(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var goodsNos []string
	doc.Find("ul.cate_prd_list > li").Each(func(_ int, item *goquery.Selection) {
		goodsNo := ""

		if href, ok := item.Find("a.prd_thumb").Attr("href"); ok {
			if m := goodsNoPattern.FindStringSubmatch(href); m != nil {
				goodsNo = m[1]
			}
		}

		if goodsNo == "" {
			if content, ok := item.Find(`meta[property="eg:itemUrl"]`).Attr("content"); ok {
				if m := goodsNoPattern.FindStringSubmatch(content); m != nil {
					goodsNo = m[1]
				}
			}
		}

		if goodsNo == "" {
			if v, ok := item.Attr("data-goods-no"); ok {
				goodsNo = v
			}
		}

		if goodsNo != "" {
			goodsNos = append(goodsNos, goodsNo)
		}
	})

	return goodsNos, nil
}

// parseTotalPages reads the pagination block. Pages without one are single
// pages, not errors.
func parseTotalPages(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 1
	}

	total := 1
	doc.Find("div.pageing a").Each(func(_ int, link *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(link.Text())); err == nil && n > total {
			total = n
		}
	})

	return total
}

var productCountPattern = regexp.MustCompile(`(\d+)\s*개의 상품`)

// parseProductCount reads the category item count, returning -1 when the
// page carries no count block.
func parseProductCount(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return -1
	}

	info := doc.Find("p.cate_info_tx")
	if info.Length() == 0 {
		return -1
	}

	if span := info.Find("span").First(); span.Length() > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(span.Text())); err == nil {
			return n
		}
	}

	if m := productCountPattern.FindStringSubmatch(info.Text()); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}

	return -1
}

// parseIngredients pulls the mandatory-ingredient block out of the goods
// article response. The block is a dl list whose dt names the cosmetics-law
// disclosure.
func parseIngredients(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var raw string
	doc.Find("dl.detail_info_list").EachWithBreak(func(_ int, dl *goquery.Selection) bool {
		dt := dl.Find("dt").First()
		if !strings.Contains(dt.Text(), "화장품법에 따라 기재해야 하는 모든 성분") {
			return true
		}

		dd := dl.Find("dd").First()
		if dd.Length() == 0 {
			return true
		}

		// <br> separated lists flatten to comma separated text.
		html, err := dd.Html()
		if err != nil {
			raw = dd.Text()
			return false
		}
		html = brPattern.ReplaceAllString(html, ", ")
		raw = stripTags(html)
		return false
	})

	return strings.TrimSpace(raw)
}

var (
	brPattern  = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagPattern = regexp.MustCompile(`<[^>]*>`)
)

func stripTags(html string) string {
	text := tagPattern.ReplaceAllString(html, "")
	text = strings.ReplaceAll(text, ", ,", ",")
	return strings.Join(strings.Fields(text), " ")
}

// digitsOnly strips everything but digits, for price and review counts that
// render with thousands separators and parentheses.
func digitsOnly(s string) int {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	n, err := strconv.Atoi(b.String())
	if err != nil {
		return 0
	}
	return n
}
