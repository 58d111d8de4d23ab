package redirect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
)

var (
	paramSegment = regexp.MustCompile(`^:([A-Za-z_][A-Za-z0-9_]*)(\*)?$`)
	paramRef     = regexp.MustCompile(`(/?):([A-Za-z_][A-Za-z0-9_]*)(\*)?`)
)

// Patterns serves the router-level redirect list. Unlike Table it understands
// :name parameters and a trailing :name* catch-all.
type Patterns struct {
	routes     []patternRoute
	onRedirect func(*http.Request, Rule)
}

type patternRoute struct {
	rule     Rule
	patterns []string // chi patterns
	params   []string
	catchAll string
}

// NewPatterns compiles rules. Later rules replace earlier ones with the same
// source. Sources that chi cannot route are reported as errors.
func NewPatterns(rules []Rule, opts ...ResolverOption) (*Patterns, error) {
	index := map[string]int{}
	p := &Patterns{}
	for i, r := range rules {
		route, err := compilePattern(r)
		if err != nil {
			return nil, fmt.Errorf("redirect pattern[%d] %q: %w", i, r.Source, err)
		}
		if j, ok := index[r.Source]; ok {
			p.routes[j] = route
			continue
		}
		index[r.Source] = len(p.routes)
		p.routes = append(p.routes, route)
	}

	// chi reports bad patterns by panicking; surface that at build time.
	if _, err := p.router(http.NotFoundHandler()); err != nil {
		return nil, err
	}

	var res Resolver
	for _, o := range opts {
		o(&res)
	}
	p.onRedirect = res.onRedirect
	return p, nil
}

func (p *Patterns) Len() int { return len(p.routes) }

// Rules returns the compiled rules in registration order.
func (p *Patterns) Rules() []Rule {
	out := make([]Rule, len(p.routes))
	for i, r := range p.routes {
		out[i] = r.rule
	}
	return out
}

// Handler wraps next with a chi router holding one route per rule.
func (p *Patterns) Handler(next http.Handler) http.Handler {
	mux, err := p.router(next)
	if err != nil {
		// NewPatterns already built the same routes once.
		panic(err)
	}
	return mux
}

func (p *Patterns) router(next http.Handler) (mux *chi.Mux, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("redirect patterns: %v", rec)
		}
	}()

	// Drop the routing context so a router further down starts fresh.
	passThrough := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, nil)))
	})

	mux = chi.NewRouter()
	mux.NotFound(passThrough)
	mux.MethodNotAllowed(passThrough)
	for _, route := range p.routes {
		h := p.redirectHandler(route, passThrough)
		for _, pattern := range route.patterns {
			mux.Handle(pattern, h)
		}
	}
	return mux, nil
}

func (p *Patterns) redirectHandler(route patternRoute, next http.Handler) http.Handler {
	host := destinationHost(paramRef.ReplaceAllString(route.rule.Destination, "${1}x"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		values := make(map[string]string, len(route.params)+1)
		for _, name := range route.params {
			values[name] = chi.URLParam(r, name)
		}
		if route.catchAll != "" {
			// "//" in the request path leaves a leading slash here.
			values[route.catchAll] = strings.TrimLeft(chi.URLParam(r, "*"), `/\`)
		}

		target := expandDestination(route.rule.Destination, values)
		if destinationHost(target) != host {
			// A parameter must never move the redirect to another host.
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.RawQuery != "" && !strings.Contains(target, "?") {
			target += "?" + r.URL.RawQuery
		}

		if p.onRedirect != nil {
			p.onRedirect(r, Rule{Source: route.rule.Source, Destination: target, Permanent: route.rule.Permanent})
		}
		http.Redirect(w, r, target, route.rule.StatusCode())
	})
}

func compilePattern(r Rule) (patternRoute, error) {
	if !strings.HasPrefix(r.Source, "/") {
		return patternRoute{}, fmt.Errorf("source must begin with '/'")
	}

	if strings.Contains(r.Source, "?") {
		return patternRoute{}, fmt.Errorf("source must not contain a query")
	}

	route := patternRoute{rule: r}
	segments := strings.Split(strings.TrimPrefix(r.Source, "/"), "/")
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		if strings.ContainsAny(seg, "{}") {
			return patternRoute{}, fmt.Errorf("segment %q: braces are not allowed", seg)
		}
		m := paramSegment.FindStringSubmatch(seg)
		if m == nil {
			if strings.Contains(seg, "*") {
				return patternRoute{}, fmt.Errorf("segment %q: '*' only allowed as :name*", seg)
			}
			out = append(out, seg)
			continue
		}
		if m[2] == "" {
			route.params = append(route.params, m[1])
			out = append(out, "{"+m[1]+"}")
			continue
		}
		if i != len(segments)-1 {
			return patternRoute{}, fmt.Errorf("catch-all %q must be the last segment", seg)
		}
		route.catchAll = m[1]
		// A catch-all also matches zero segments.
		route.patterns = append(route.patterns, "/"+strings.Join(out, "/"))
		out = append(out, "*")
	}
	route.patterns = append(route.patterns, "/"+strings.Join(out, "/"))
	return route, nil
}

// expandDestination substitutes :name and :name* references. An empty
// catch-all drops its leading slash.
func expandDestination(dest string, values map[string]string) string {
	return paramRef.ReplaceAllStringFunc(dest, func(ref string) string {
		m := paramRef.FindStringSubmatch(ref)
		v, ok := values[m[2]]
		if !ok {
			return ref
		}
		if m[3] == "*" && v == "" {
			if m[1] == "/" && dest == ref {
				return "/"
			}
			return ""
		}
		return m[1] + v
	})
}

// destinationHost is the host a browser would send the redirect to, or ""
// for a same-host target. Browsers read '\' as '/', so "/\x" counts as
// the protocol-relative "//x". Unparseable targets get a host nothing matches.
func destinationHost(target string) string {
	u, err := url.Parse(strings.ReplaceAll(target, `\`, "/"))
	if err != nil {
		return "?"
	}
	return strings.ToLower(u.Host)
}
