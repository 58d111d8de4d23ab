package redirect

import "strings"

// Theme selects the deployment variant of the site.
type Theme string

const (
	ThemeCPR  Theme = "cpr"
	ThemeCCLW Theme = "cclw"

	// DefaultTheme applies whenever the configured theme is not recognised.
	DefaultTheme = ThemeCPR
)

// ParseTheme maps s to a Theme. Unknown or empty values resolve to
// DefaultTheme and ok is false so callers can warn about it.
func ParseTheme(s string) (theme Theme, ok bool) {
	switch t := Theme(strings.ToLower(strings.TrimSpace(s))); t {
	case ThemeCPR, ThemeCCLW:
		return t, true
	}
	return DefaultTheme, false
}

// StaticRules returns the pages missing from the theme's sitemap.
func StaticRules(theme Theme) []Rule {
	switch theme {
	case ThemeCCLW:
		return []Rule{
			{Source: "/cookie-policy", Destination: "/", Permanent: true},
			{Source: "/privacy", Destination: "/", Permanent: true},
		}
	default:
		return []Rule{
			{Source: "/about", Destination: "/", Permanent: true},
			{Source: "/acknowledgements", Destination: "/", Permanent: true},
			{Source: "/contact", Destination: "/", Permanent: true},
			{Source: "/methodology", Destination: "/", Permanent: true},
		}
	}
}

// PatternRules returns the router-level redirects. Sources use :name
// parameters and may end with a :name* catch-all.
func PatternRules(theme Theme) []Rule {
	rules := []Rule{
		{Source: "/documents/:slug/pdf", Destination: "/documents/:slug", Permanent: true},
		{Source: "/geography/:slug*", Destination: "/geographies/:slug*", Permanent: true},
	}
	if theme == ThemeCCLW {
		rules = append(rules, Rule{Source: "/cclw/:path*", Destination: "/:path*", Permanent: true})
	}
	return rules
}
