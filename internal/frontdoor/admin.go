package frontdoor

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"frontdoor/internal/redirect"
)

const adminPrefix = "/_frontdoor"

// RedirectsReport is served at /_frontdoor/redirects.
type RedirectsReport struct {
	Theme    redirect.Theme  `json:"theme"`
	Rules    []redirect.Rule `json:"rules"`
	Patterns []redirect.Rule `json:"patterns"`
	Hits     []HitRecord     `json:"hits"`
	Stats    statsSnapshot   `json:"stats"`
}

// adminRouter serves the health and redirect report endpoints and hands
// everything else to next.
func (s *Service) adminRouter(next http.Handler) http.Handler {
	r := chi.NewRouter()
	r.NotFound(next.ServeHTTP)
	r.MethodNotAllowed(next.ServeHTTP)

	r.Get(adminPrefix+"/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get(adminPrefix+"/redirects", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.Report())
	})
	return r
}

// Report describes the active redirect rules and how often each was served.
func (s *Service) Report() RedirectsReport {
	return RedirectsReport{
		Theme:    s.redirects.Theme,
		Rules:    s.redirects.Table.Rules(),
		Patterns: s.redirects.Patterns.Rules(),
		Hits:     s.hits.Snapshot(),
		Stats:    s.stats.Snapshot(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
