package repo

import (
	"net/url"
	"strconv"
	"strings"
)

// SortKey is one ordering term of a list query.
type SortKey struct {
	Field string
	Desc  bool
}

// ListParams are the paging, ordering and filtering options of Find.
// Filters are field-name → accepted values (OR within a field, AND across
// fields).
type ListParams struct {
	Limit   int
	Offset  int
	Sort    []SortKey
	Filters map[string][]string
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// ParseListParams reads _limit/_offset/_sort plus per-field filters from the
// query string. Underscore-prefixed keys are reserved for engine parameters
// and never treated as field filters.
func ParseListParams(q url.Values) ListParams {
	limit := defaultLimit
	if lv := q.Get("_limit"); lv != "" {
		if n, err := strconv.Atoi(lv); err == nil && n >= 0 && n <= maxLimit {
			limit = n
		}
	}

	offset := 0
	if ov := q.Get("_offset"); ov != "" {
		if n, err := strconv.Atoi(ov); err == nil && n >= 0 {
			offset = n
		}
	}

	var sortKeys []SortKey
	if sv := strings.TrimSpace(q.Get("_sort")); sv != "" {
		for _, p := range strings.Split(sv, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			desc := false
			if strings.HasPrefix(p, "-") {
				desc = true
				p = strings.TrimPrefix(p, "-")
			} else {
				p = strings.TrimPrefix(p, "+")
			}
			if p != "" {
				sortKeys = append(sortKeys, SortKey{Field: p, Desc: desc})
			}
		}
	}

	filters := make(map[string][]string)
	for key, vals := range q {
		if strings.HasPrefix(key, "_") {
			continue
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			if strings.TrimSpace(v) != "" {
				clean = append(clean, v)
			}
		}
		if len(clean) > 0 {
			filters[key] = clean
		}
	}

	return ListParams{Limit: limit, Offset: offset, Sort: sortKeys, Filters: filters}
}
