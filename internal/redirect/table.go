package redirect

import "sort"

// Table is an immutable exact-match index of rules by source path.
type Table struct {
	bySource map[string]Rule
}

// NewTable merges the lists in order. A later rule with the same source
// replaces an earlier one, so file rules passed after static rules win.
func NewTable(lists ...[]Rule) *Table {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	t := &Table{bySource: make(map[string]Rule, n)}
	for _, l := range lists {
		for _, r := range l {
			t.bySource[r.Source] = r
		}
	}
	return t
}

func (t *Table) Lookup(path string) (Rule, bool) {
	r, ok := t.bySource[path]
	return r, ok
}

func (t *Table) Len() int { return len(t.bySource) }

// Rules returns a copy of the table sorted by source.
func (t *Table) Rules() []Rule {
	out := make([]Rule, 0, len(t.bySource))
	for _, r := range t.bySource {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
