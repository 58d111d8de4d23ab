package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"frontdoor/internal/redirect"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The shared transport's idle connections close asynchronously.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

const testRules = "/privacy,/legal,false\n/reports/:year,/annual/:year,true\n"

func newTestOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Request-Id", r.Header.Get(requestIDHeader))
		w.Header().Set("X-Seen-Forwarded-Host", r.Header.Get("X-Forwarded-Host"))
		fmt.Fprintf(w, "origin %s %s %s", r.Method, r.URL.RequestURI(), body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestConfig(t *testing.T, origin, rules string) Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, redirect.DefaultFile), []byte(rules), 0o644))

	var cfg Config
	cfg.Server.Origin = origin
	cfg.Theme = "cclw"
	cfg.Redirects.Dir = dir
	require.NoError(t, cfg.finish())
	return cfg
}

func newTestService(t *testing.T, cfg Config) (*Service, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	svc, err := NewService(context.Background(), cfg, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, logs
}

func do(h http.Handler, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServiceRedirects(t *testing.T) {
	origin := newTestOrigin(t)
	svc, _ := newTestService(t, newTestConfig(t, origin.URL, testRules))
	h := svc.Handler()

	tests := []struct {
		target   string
		code     int
		location string
	}{
		{"/privacy", http.StatusTemporaryRedirect, "/legal"},
		{"/cookie-policy", http.StatusPermanentRedirect, "/"},
		{"/geography/uk", http.StatusPermanentRedirect, "/geographies/uk"},
		{"/reports/2023", http.StatusPermanentRedirect, "/annual/2023"},
		{"/cclw/search", http.StatusPermanentRedirect, "/search"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(h, http.MethodGet, tt.target, nil, nil)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
			assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
		})
	}
}

func TestServiceProxiesToOrigin(t *testing.T) {
	origin := newTestOrigin(t)
	svc, logs := newTestService(t, newTestConfig(t, origin.URL, testRules))
	h := svc.Handler()

	rec := do(h, http.MethodGet, "/search?q=flood", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin GET /search?q=flood ", rec.Body.String())
	id := rec.Header().Get(requestIDHeader)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rec.Header().Get("X-Seen-Request-Id"))
	assert.Equal(t, "example.com", rec.Header().Get("X-Seen-Forwarded-Host"))

	rec = do(h, http.MethodPost, "/api/feedback", strings.NewReader("payload"), http.Header{requestIDHeader: {"abc-123"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin POST /api/feedback payload", rec.Body.String())
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "abc-123", rec.Header().Get("X-Seen-Request-Id"))

	// Origin redirects are passed through, not followed.
	rec = do(h, http.MethodGet, "/moved", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/elsewhere", rec.Header().Get("Location"))

	ss := svc.stats.Snapshot()
	assert.Equal(t, uint64(3), ss.Proxied)
	assert.Equal(t, uint64(0), ss.Redirects)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 3)
	assert.Equal(t, int64(http.StatusFound), entries[2].ContextMap()["status"])
}

func TestServiceOriginDown(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	svc, logs := newTestService(t, newTestConfig(t, url, testRules))
	rec := do(svc.Handler(), http.MethodGet, "/search", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, uint64(1), svc.stats.Snapshot().ProxyErrors)
	assert.Equal(t, 1, logs.FilterMessage("origin request failed").Len())

	// Redirects never need the origin.
	rec = do(svc.Handler(), http.MethodGet, "/privacy", nil, nil)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
}

func TestServiceAdmin(t *testing.T) {
	origin := newTestOrigin(t)
	svc, _ := newTestService(t, newTestConfig(t, origin.URL, testRules))
	h := svc.Handler()

	rec := do(h, http.MethodGet, "/_frontdoor/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	do(h, http.MethodGet, "/privacy", nil, nil)
	do(h, http.MethodGet, "/privacy?from=footer", nil, nil)
	do(h, http.MethodGet, "/geography/uk", nil, nil)

	rec = do(h, http.MethodGet, "/_frontdoor/redirects", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report RedirectsReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, redirect.ThemeCCLW, report.Theme)
	assert.Len(t, report.Rules, 3)
	assert.Equal(t, uint64(3), report.Stats.Redirects)

	require.Len(t, report.Hits, 2)
	assert.Equal(t, "/geography/:slug*", report.Hits[0].Source)
	assert.Equal(t, "/geographies/uk", report.Hits[0].Destination)
	assert.Equal(t, "/privacy", report.Hits[1].Source)
	assert.Equal(t, uint64(2), report.Hits[1].Count)
	assert.Equal(t, http.StatusTemporaryRedirect, report.Hits[1].Status)

	// Other methods on admin paths belong to the origin.
	rec = do(h, http.MethodPost, "/_frontdoor/healthz", nil, nil)
	assert.Equal(t, "origin POST /_frontdoor/healthz ", rec.Body.String())
}

func TestServiceStartupFailures(t *testing.T) {
	origin := newTestOrigin(t)
	logger := zap.NewNop()

	cfg := newTestConfig(t, origin.URL, "/ok,/fine,true\n/broken,/line\n")
	_, err := NewService(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, redirect.ErrMalformedLine))
	assert.Contains(t, err.Error(), "line 2")

	cfg = newTestConfig(t, origin.URL, testRules)
	cfg.Redirects.File = "missing.csv"
	_, err = NewService(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Contains(t, err.Error(), "missing.csv")

	cfg = newTestConfig(t, origin.URL, "/bad/{x},/,true\n")
	_, err = NewService(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestServiceUnknownThemeFallsBack(t *testing.T) {
	origin := newTestOrigin(t)
	cfg := newTestConfig(t, origin.URL, "")
	cfg.Theme = "mcf"

	svc, logs := newTestService(t, cfg)
	assert.Equal(t, 1, logs.FilterMessage("unknown theme, using default").Len())
	assert.Equal(t, redirect.ThemeCPR, svc.Report().Theme)

	rec := do(svc.Handler(), http.MethodGet, "/methodology", nil, nil)
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestServiceHitsPersist(t *testing.T) {
	origin := newTestOrigin(t)
	cfg := newTestConfig(t, origin.URL, testRules)
	cfg.Stats.Path = filepath.Join(t.TempDir(), "hits")

	svc, err := NewService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	do(svc.Handler(), http.MethodGet, "/privacy", nil, nil)
	do(svc.Handler(), http.MethodGet, "/privacy", nil, nil)
	svc.Close()
	svc.Close()

	svc, err = NewService(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	hits := svc.Report().Hits
	require.Len(t, hits, 1)
	assert.Equal(t, "/privacy", hits[0].Source)
	assert.Equal(t, uint64(2), hits[0].Count)
	assert.LessOrEqual(t, hits[0].FirstAt, hits[0].LastAt)

	do(svc.Handler(), http.MethodGet, "/privacy", nil, nil)
	assert.Equal(t, uint64(3), svc.Report().Hits[0].Count)
}

func TestServiceWatchDoesNotReload(t *testing.T) {
	origin := newTestOrigin(t)
	cfg := newTestConfig(t, origin.URL, testRules)
	cfg.Redirects.Watch = true

	svc, logs := newTestService(t, cfg)

	path := filepath.Join(cfg.Redirects.Dir, cfg.Redirects.File)
	require.NoError(t, os.WriteFile(path, []byte("/privacy,/changed,true\n"), 0o644))

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("redirect file changed on disk, restart to apply").Len() > 0
	}, 5*time.Second, 20*time.Millisecond)

	rec := do(svc.Handler(), http.MethodGet, "/privacy", nil, nil)
	assert.Equal(t, "/legal", rec.Header().Get("Location"))
}

func TestLoadRedirectsCanceled(t *testing.T) {
	origin := newTestOrigin(t)
	cfg := newTestConfig(t, origin.URL, testRules)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LoadRedirects(ctx, cfg, zap.NewNop())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestServiceOriginTruncatedBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "partial")
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		conn.Close()
	}))
	defer origin.Close()

	svc, logs := newTestService(t, newTestConfig(t, origin.URL, testRules))
	rec := do(svc.Handler(), http.MethodGet, "/report.pdf", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())

	ss := svc.stats.Snapshot()
	assert.Equal(t, uint64(1), ss.ProxyErrors)
	assert.Equal(t, uint64(0), ss.Proxied)

	entries := logs.FilterMessage("origin response body copy failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/report.pdf", entries[0].ContextMap()["path"])
}

func TestServiceStripsConnectionHeaders(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Secret", r.Header.Get("X-Secret"))
		w.Header().Set("X-Seen-Other", r.Header.Get("X-Other"))
		w.Header().Set("Connection", "X-Internal")
		w.Header().Set("X-Internal", "origin only")
		w.Header().Set("X-Public", "yes")
	}))
	defer origin.Close()

	svc, _ := newTestService(t, newTestConfig(t, origin.URL, testRules))
	rec := do(svc.Handler(), http.MethodGet, "/search", nil, http.Header{
		"Connection": {"x-secret, Keep-Alive"},
		"X-Secret":   {"hop only"},
		"X-Other":    {"kept"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Seen-Secret"))
	assert.Equal(t, "kept", rec.Header().Get("X-Seen-Other"))
	assert.Empty(t, rec.Header().Get("X-Internal"))
	assert.Equal(t, "yes", rec.Header().Get("X-Public"))
}

func TestConnectionTokens(t *testing.T) {
	h := http.Header{"Connection": {"close, x-a", " X-B ,"}}
	assert.Equal(t, map[string]bool{"Close": true, "X-A": true, "X-B": true}, connectionTokens(h))
	assert.Nil(t, connectionTokens(http.Header{}))
}
