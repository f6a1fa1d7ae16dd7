package categories

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispCatNoPattern(t *testing.T) {
	tests := []struct {
		href string
		want string
	}{
		{"/store/display/getMCategoryList.do?dispCatNo=100000100010008", "100000100010008"},
		{"https://www.oliveyoung.co.kr/store/display/getMCategoryList.do?dispCatNo=1000001&trackingCd=Cat", "1000001"},
		{"/store/main/main.do", ""},
	}

	for _, tt := range tests {
		got := ""
		if m := dispCatNoPattern.FindStringSubmatch(tt.href); m != nil {
			got = m[1]
		}
		assert.Equal(t, tt.want, got, tt.href)
	}
}

func TestParentOf(t *testing.T) {
	found := map[string]string{
		"1000001":         "Skincare",
		"100000100010008": "Toner",
		"10000010001":     "Face",
	}

	assert.Equal(t, "10000010001", parentOf("100000100010008", found),
		"the longest proper prefix wins")
	assert.Equal(t, "1000001", parentOf("10000010001", found))
	assert.Equal(t, "", parentOf("1000001", found))
	assert.Equal(t, "", parentOf("2000002", found))
}

func TestSortedIDs(t *testing.T) {
	ids := sortedIDs(map[string]string{"b": "", "a": "", "c": ""})
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
