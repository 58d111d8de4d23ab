package frontdoor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"frontdoor/internal/redirect"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// LintReport lists redirect rules that disagree with the site's sitemap.
type LintReport struct {
	Sitemaps    int `json:"sitemaps"`
	SitemapURLs int `json:"sitemapUrls"`

	// LiveSources are exact rule sources the sitemap still lists, i.e.
	// pages that exist but are redirected away.
	LiveSources []string `json:"liveSources"`

	// External are rules whose destination leaves the origin's registrable
	// domain.
	External []redirect.Rule `json:"external"`
}

// Clean reports whether nothing was flagged.
func (r LintReport) Clean() bool {
	return len(r.LiveSources) == 0 && len(r.External) == 0
}

// LintSitemap walks sitemapURL (and any nested sitemap indexes) and checks
// rules against it. A relative sitemapURL resolves against origin, which is
// also the site whose registrable domain counts as internal.
func LintSitemap(ctx context.Context, client *http.Client, origin, sitemapURL string, rules []redirect.Rule) (LintReport, error) {
	var report LintReport

	bySource := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		bySource[r.Source] = struct{}{}
	}
	live := map[string]struct{}{}

	seen := map[string]struct{}{}
	queue := []string{normalizeMaybeRelativeURL(origin, sitemapURL)}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := fetchAndParseSitemap(ctx, client, smURL)
		if err != nil {
			return report, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		report.Sitemaps++

		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, resolveRef(smURL, nested))
			}
		}
		for _, loc := range doc.URLs {
			path := normalizePathFromLoc(loc)
			if path == "" {
				continue
			}
			report.SitemapURLs++
			if _, ok := bySource[path]; ok {
				live[path] = struct{}{}
			}
		}
	}

	for p := range live {
		report.LiveSources = append(report.LiveSources, p)
	}
	sort.Strings(report.LiveSources)

	originDomain := registrableDomain(origin)
	for _, r := range rules {
		u, err := url.Parse(r.Destination)
		if err != nil || u.Host == "" {
			continue
		}
		if registrableDomain(r.Destination) != originDomain {
			report.External = append(report.External, r)
		}
	}
	return report, nil
}

// registrableDomain returns eTLD+1 of rawURL's host, or the bare host when
// it has none (localhost, IPs).
func registrableDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return host
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// resolveRef resolves a nested sitemap location against the sitemap that
// listed it.
func resolveRef(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func normalizeMaybeRelativeURL(origin, u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(origin, "/") + u
}

func fetchAndParseSitemap(ctx context.Context, client *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may or may not arrive already decoded by the transport.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		loc = u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
