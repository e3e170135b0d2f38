package sei

import (
	"sort"
	"strings"
	"sync/atomic"

	"SeiSync/internal/domain"
)

// scopeDirectory holds the name → id mapping of every scope visible to the
// current credential. The table is immutable after load; a login swaps the
// whole map atomically, so readers never see a partial table.
type scopeDirectory struct {
	table atomic.Pointer[map[string]string]
}

func newScopeDirectory() *scopeDirectory {
	return &scopeDirectory{}
}

func (d *scopeDirectory) replace(table map[string]string) {
	d.table.Store(&table)
}

func (d *scopeDirectory) loaded() bool {
	return d.table.Load() != nil
}

// resolve maps a scope name to its identifier. An exact match wins;
// otherwise progressively shorter slash-delimited prefixes are tried, so
// "A/B/C" can fall back to "A/B" and then "A".
func (d *scopeDirectory) resolve(name string) (domain.Scope, bool) {
	if name == "" {
		return domain.Scope{}, false
	}
	table := d.table.Load()
	if table == nil {
		return domain.Scope{}, false
	}

	if id, ok := (*table)[name]; ok {
		return domain.Scope{Name: name, ID: id}, true
	}

	parts := strings.Split(name, "/")
	for i := len(parts) - 1; i > 0; i-- {
		prefix := strings.Join(parts[:i], "/")
		if id, ok := (*table)[prefix]; ok {
			return domain.Scope{Name: prefix, ID: id}, true
		}
	}

	return domain.Scope{}, false
}

// tenantScopes returns every known scope whose name starts with the tenant
// prefix, ordered by descending specificity (more path segments first).
// More specific scopes are statistically likelier to hold the right record,
// so fallback iterates them first.
func (d *scopeDirectory) tenantScopes(tenant string) []domain.Scope {
	table := d.table.Load()
	if table == nil || tenant == "" {
		return nil
	}

	var scopes []domain.Scope
	for name, id := range *table {
		if strings.HasPrefix(name, tenant) {
			scopes = append(scopes, domain.Scope{Name: name, ID: id})
		}
	}

	sort.SliceStable(scopes, func(i, j int) bool {
		di := strings.Count(scopes[i].Name, "/")
		dj := strings.Count(scopes[j].Name, "/")
		if di != dj {
			return di > dj
		}
		return scopes[i].Name < scopes[j].Name
	})

	return scopes
}

// size reports how many scopes the table holds, for diagnostics.
func (d *scopeDirectory) size() int {
	table := d.table.Load()
	if table == nil {
		return 0
	}
	return len(*table)
}
