// Package routing maps request paths to backend service names by prefix.
package routing

import (
	"sort"
	"strings"
	"sync/atomic"
)

// Route binds a path prefix to a service name.
type Route struct {
	Prefix  string
	Service string
}

// Table resolves request paths to services. The route set is immutable;
// Replace swaps the whole set atomically so resolution never takes a lock.
type Table struct {
	routes atomic.Pointer[[]Route]
}

// NewTable creates a table with the given routes. Routes are ordered by
// descending prefix length so the most specific prefix wins.
func NewTable(routes []Route) *Table {
	t := &Table{}
	t.Replace(routes)
	return t
}

// Replace swaps the route set. Safe for concurrent use with Resolve.
func (t *Table) Replace(routes []Route) {
	sorted := make([]Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	t.routes.Store(&sorted)
}

// Resolve returns the service owning the longest prefix matching path.
// A prefix matches on a path-segment boundary: /api/v1/feedback matches
// /api/v1/feedback and /api/v1/feedback/123 but not /api/v1/feedbacks.
func (t *Table) Resolve(path string) (string, bool) {
	routes := t.routes.Load()
	if routes == nil {
		return "", false
	}
	for _, r := range *routes {
		if matchesPrefix(path, r.Prefix) {
			return r.Service, true
		}
	}
	return "", false
}

// Routes returns a copy of the current route set.
func (t *Table) Routes() []Route {
	routes := t.routes.Load()
	if routes == nil {
		return nil
	}
	out := make([]Route, len(*routes))
	copy(out, *routes)
	return out
}

func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}
