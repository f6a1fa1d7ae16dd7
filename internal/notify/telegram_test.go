package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/websfactory/oliveyoung-product-collector/internal/model"
)

func TestFormatRun_Complete(t *testing.T) {
	started := time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC)
	run := &model.CollectionRun{
		ID:         12,
		Status:     model.RunComplete,
		StartedAt:  started,
		EndedAt:    started.Add(42 * time.Minute),
		Year:       2026,
		Week:       36,
		Categories: []string{"1000001", "1000002"},
		TotalRefs:  96,
		Succeeded:  96,
	}

	msg := FormatRun(run)

	assert.Contains(t, msg, "Collection run #12 — COMPLETE")
	assert.Contains(t, msg, "Week 2026/36")
	assert.Contains(t, msg, "2 categories")
	assert.Contains(t, msg, "96/96 succeeded")
	assert.Contains(t, msg, "42m0s")
	assert.NotContains(t, msg, "Blocked:", "failure breakdown only appears when something failed")
}

func TestFormatRun_PartialListsFailures(t *testing.T) {
	run := &model.CollectionRun{
		ID:        13,
		Status:    model.RunPartial,
		Year:      2026,
		Week:      36,
		TotalRefs: 50,
		Succeeded: 44,
		Blocked:   3,
		NotFound:  1,
		Malformed: 1,
		Transient: 1,
	}

	msg := FormatRun(run)

	assert.True(t, strings.HasPrefix(msg, "⚠️"))
	assert.Contains(t, msg, "44/50 succeeded")
	assert.Contains(t, msg, "Blocked: 3")
	assert.Contains(t, msg, "Not found: 1")
}

func TestFormatRun_Failed(t *testing.T) {
	run := &model.CollectionRun{ID: 14, Status: model.RunFailed}
	assert.True(t, strings.HasPrefix(FormatRun(run), "❌"))
}
