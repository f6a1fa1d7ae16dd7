// Package crawl traverses category listings and extracts product details.
package crawl

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FieldSpec describes one extractable field of a detail page.
type FieldSpec struct {
	Name     string
	Required bool
	Extract  func(doc *goquery.Document) string
}

// Schema is the explicit list of fields a detail page must and may carry.
// Required fields missing from a parsed page make the page malformed, not
// partially usable.
type Schema struct {
	Fields []FieldSpec
}

// Apply runs every extractor against the document. It returns the extracted
// values and the names of required fields that came back empty.
func (s Schema) Apply(doc *goquery.Document) (values map[string]string, missing []string) {
	values = make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		v := strings.TrimSpace(f.Extract(doc))
		if v != "" {
			values[f.Name] = v
		} else if f.Required {
			missing = append(missing, f.Name)
		}
	}
	return values, missing
}

func metaContent(property string) func(doc *goquery.Document) string {
	return func(doc *goquery.Document) string {
		content, _ := doc.Find(`meta[property="` + property + `"]`).Attr("content")
		return content
	}
}

// DetailSchema returns the field schema of a product detail page. The
// storefront exposes the interesting fields as eg: meta tags, which survive
// layout redesigns better than the visible markup.
func DetailSchema() Schema {
	return Schema{Fields: []FieldSpec{
		{Name: "name", Required: true, Extract: metaContent("eg:itemName")},
		{Name: "brand", Required: true, Extract: metaContent("eg:brandName")},
		{Name: "price_original", Required: false, Extract: metaContent("eg:originalPrice")},
		{Name: "price_current", Required: false, Extract: metaContent("eg:salePrice")},
		{Name: "image_url", Required: false, Extract: metaContent("eg:itemImage")},
		{Name: "category", Required: false, Extract: metaContent("eg:category3")},
		{Name: "item_no", Required: false, Extract: func(doc *goquery.Document) string {
			v, _ := doc.Find("#itemNo").Attr("value")
			return v
		}},
		{Name: "rating", Required: false, Extract: func(doc *goquery.Document) string {
			return doc.Find("#repReview b").First().Text()
		}},
		{Name: "review_count", Required: false, Extract: func(doc *goquery.Document) string {
			return doc.Find("#repReview em").First().Text()
		}},
	}}
}
