package redirect

import (
	"net/http"
	"strings"
)

// Rule maps a request path to a redirect destination.
type Rule struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Permanent   bool   `json:"permanent" yaml:"permanent"`
}

// StatusCode returns 308 for permanent rules and 307 otherwise.
func (r Rule) StatusCode() int {
	if r.Permanent {
		return http.StatusPermanentRedirect
	}
	return http.StatusTemporaryRedirect
}

// ParsePermanent reads the third field of a rule line. Only 0, off, no and
// false (any case) mean temporary; everything else, empty included, is permanent.
func ParsePermanent(s string) bool {
	switch strings.ToUpper(s) {
	case "0", "OFF", "NO", "FALSE":
		return false
	}
	return true
}
