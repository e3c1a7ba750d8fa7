package repo

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListParamsDefaults(t *testing.T) {
	p := ParseListParams(url.Values{})
	assert.Equal(t, 50, p.Limit)
	assert.Equal(t, 0, p.Offset)
	assert.Empty(t, p.Sort)
	assert.Empty(t, p.Filters)
}

func TestParseListParamsPaging(t *testing.T) {
	p := ParseListParams(url.Values{"_limit": {"10"}, "_offset": {"30"}})
	assert.Equal(t, 10, p.Limit)
	assert.Equal(t, 30, p.Offset)

	p = ParseListParams(url.Values{"_limit": {"99999"}})
	assert.Equal(t, 50, p.Limit, "oversized limit falls back to the default")

	p = ParseListParams(url.Values{"_limit": {"-1"}, "_offset": {"-5"}})
	assert.Equal(t, 50, p.Limit)
	assert.Equal(t, 0, p.Offset)

	p = ParseListParams(url.Values{"_limit": {"abc"}})
	assert.Equal(t, 50, p.Limit)
}

func TestParseListParamsSort(t *testing.T) {
	p := ParseListParams(url.Values{"_sort": {"-created_at, number, +amount"}})
	require.Len(t, p.Sort, 3)
	assert.Equal(t, SortKey{Field: "created_at", Desc: true}, p.Sort[0])
	assert.Equal(t, SortKey{Field: "number"}, p.Sort[1])
	assert.Equal(t, SortKey{Field: "amount"}, p.Sort[2])

	p = ParseListParams(url.Values{"_sort": {" , -"}})
	assert.Empty(t, p.Sort, "empty terms are skipped")
}

func TestParseListParamsFilters(t *testing.T) {
	p := ParseListParams(url.Values{
		"status":  {"draft", "sent"},
		"amount":  {"19.99"},
		"_sort":   {"status"},
		"_secret": {"x"},
		"blank":   {"  "},
	})
	assert.Equal(t, []string{"draft", "sent"}, p.Filters["status"])
	assert.Equal(t, []string{"19.99"}, p.Filters["amount"])
	_, reserved := p.Filters["_secret"]
	assert.False(t, reserved, "underscore keys never become filters")
	_, blank := p.Filters["blank"]
	assert.False(t, blank)
}
