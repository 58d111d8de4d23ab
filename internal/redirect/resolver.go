package redirect

import (
	"net/http"
)

// Resolver redirects requests whose path exactly matches a table entry.
type Resolver struct {
	table      *Table
	onRedirect func(*http.Request, Rule)
}

type ResolverOption func(*Resolver)

// OnRedirect registers a hook called before each redirect response is
// written. The hook must not block.
func OnRedirect(fn func(*http.Request, Rule)) ResolverOption {
	return func(r *Resolver) { r.onRedirect = fn }
}

func NewResolver(table *Table, opts ...ResolverOption) *Resolver {
	r := &Resolver{table: table}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Match looks up the path component of the request URL. Scheme, host and
// query never take part in the key.
func (res *Resolver) Match(r *http.Request) (Rule, bool) {
	return res.table.Lookup(r.URL.Path)
}

// Handler wraps next. Unmatched requests reach next untouched.
func (res *Resolver) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule, ok := res.Match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if res.onRedirect != nil {
			res.onRedirect(r, rule)
		}
		http.Redirect(w, r, rule.Destination, rule.StatusCode())
	})
}
