package frontdoor

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Hop-by-hop headers, never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// originProxy relays requests no redirect claimed to the web application.
type originProxy struct {
	origin string
	client *http.Client
	stats  *statsCollector
	errLog *rateLimitedLogger
}

func newOriginProxy(origin string, stats *statsCollector, logger *zap.Logger) *originProxy {
	return &originProxy{
		origin: origin,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// Origin redirects belong to the client.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		stats:  stats,
		errLog: newRateLimitedLogger(logger, 10*time.Second),
	}
}

func (p *originProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	originURL := p.origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, r.Body)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	req.Header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		req.Header.Set("X-Forwarded-Proto", "https")
	} else {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		req.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		// The status line is already out; all that is left is to count it.
		p.stats.ObserveProxyError()
		p.errLog.Warn("origin response body copy failed",
			zap.String("origin", p.origin),
			zap.String("path", r.URL.Path),
			zap.Int64("bytes", n),
			zap.Error(err))
		return
	}
	p.stats.ObserveProxied(n)
}

func (p *originProxy) fail(w http.ResponseWriter, r *http.Request, err error) {
	p.stats.ObserveProxyError()
	p.errLog.Warn("origin request failed",
		zap.String("origin", p.origin),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func copyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) || named[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

// connectionTokens returns the headers the Connection header marks as
// hop-by-hop for this message.
func connectionTokens(h http.Header) map[string]bool {
	var named map[string]bool
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				if named == nil {
					named = map[string]bool{}
				}
				named[http.CanonicalHeaderKey(tok)] = true
			}
		}
	}
	return named
}
