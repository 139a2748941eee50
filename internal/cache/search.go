package cache

import (
	"sort"
	"strings"
)

const DefaultSearchLimit = 10

// rank filters records whose fields contain query (case-insensitive) and
// orders them exact name match first, then name prefix, then by name.
func rank[T any](records []T, query string, limit int, eligible func(T) bool, name func(T) string, fields func(T) []string) []T {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []T{}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	matched := make([]T, 0, limit)
	for _, rec := range records {
		if !eligible(rec) {
			continue
		}
		for _, field := range fields(rec) {
			if field != "" && strings.Contains(strings.ToLower(field), q) {
				matched = append(matched, rec)
				break
			}
		}
	}

	score := func(n string) int {
		switch {
		case n == q:
			return 0
		case strings.HasPrefix(n, q):
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := strings.ToLower(name(matched[i])), strings.ToLower(name(matched[j]))
		sa, sb := score(a), score(b)
		if sa != sb {
			return sa < sb
		}
		return a < b
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}
