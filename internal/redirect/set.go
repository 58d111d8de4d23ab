package redirect

import "net/http"

// Set holds both consumers of one loaded rule list: the exact-match table
// and the router-level pattern list.
type Set struct {
	Theme    Theme
	Table    *Table
	Patterns *Patterns

	resolver *Resolver
}

// Build derives the Set for theme from the file rules. The table is static
// rules overridden by file rules; patterns are the theme's pattern rules
// followed by file rules.
func Build(theme Theme, fileRules []Rule, opts ...ResolverOption) (*Set, error) {
	table := NewTable(StaticRules(theme), fileRules)

	pr := PatternRules(theme)
	all := make([]Rule, 0, len(pr)+len(fileRules))
	all = append(all, pr...)
	all = append(all, fileRules...)
	patterns, err := NewPatterns(all, opts...)
	if err != nil {
		return nil, err
	}

	return &Set{
		Theme:    theme,
		Table:    table,
		Patterns: patterns,
		resolver: NewResolver(table, opts...),
	}, nil
}

// Handler runs the exact-match resolver first, then the pattern router,
// then next.
func (s *Set) Handler(next http.Handler) http.Handler {
	return s.resolver.Handler(s.Patterns.Handler(next))
}
