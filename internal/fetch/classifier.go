package fetch

import (
	"bytes"
	"net/http"
)

// Status classifies the outcome of fetching one logical resource.
type Status int

const (
	StatusOK Status = iota
	StatusBlocked
	StatusNotFound
	StatusMalformed
	StatusTransient
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBlocked:
		return "blocked"
	case StatusNotFound:
		return "not_found"
	case StatusMalformed:
		return "malformed"
	case StatusTransient:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Classifier decides what a response means. The block-signal rules are
// site-specific, so the fetcher takes this as a pluggable policy.
type Classifier interface {
	Classify(httpCode int, body []byte) Status
}

// Markers the AWS WAF challenge page carries. 405 is the code the WAF
// returns for the captcha interstitial on this site.
var blockMarkers = [][]byte{
	[]byte("awswaf"),
	[]byte("aws-waf-token"),
	[]byte("challenge.js"),
	[]byte("captcha"),
}

// Markers of the "product no longer exists" page, served with HTTP 200.
var goneMarkers = [][]byte{
	[]byte("error-page noProduct"),
	[]byte("상품을 찾을 수 없습니다"),
}

// SiteClassifier implements the default classification policy for the
// OliveYoung storefront.
type SiteClassifier struct {
	// MinBodyBytes is the smallest body a real page produces. Shorter 200
	// responses are truncated error pages or redirect stubs.
	MinBodyBytes int
}

// NewSiteClassifier creates the default classifier.
func NewSiteClassifier() *SiteClassifier {
	return &SiteClassifier{MinBodyBytes: 1000}
}

// Classify applies the policy rules in order: block signals first, then
// absence, then server trouble, then structural validation.
func (c *SiteClassifier) Classify(httpCode int, body []byte) Status {
	switch httpCode {
	case http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusTooManyRequests:
		return StatusBlocked
	case http.StatusNotFound:
		return StatusNotFound
	}

	if httpCode >= 500 || httpCode == 0 {
		return StatusTransient
	}

	for _, marker := range blockMarkers {
		if bytes.Contains(body, marker) {
			return StatusBlocked
		}
	}

	for _, marker := range goneMarkers {
		if bytes.Contains(body, marker) {
			return StatusNotFound
		}
	}

	if httpCode != http.StatusOK {
		return StatusTransient
	}

	if len(body) < c.MinBodyBytes {
		return StatusMalformed
	}

	return StatusOK
}
