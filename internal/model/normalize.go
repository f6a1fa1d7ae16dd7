package model

import (
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// NormalizeText folds character widths, applies NFC and collapses whitespace.
// Listing and detail pages mix full-width and half-width forms for the same
// Korean product names, which would otherwise break fingerprint comparison.
func NormalizeText(s string) string {
	s = width.Fold.String(s)
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// SplitIngredients turns the raw comma-separated ingredient block into an
// ordered list of normalized names. An empty block yields an empty list.
func SplitIngredients(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := NormalizeText(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}
