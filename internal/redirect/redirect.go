// Package redirect validates post-authorization redirect targets
// carried through the captive-portal continue parameter.
package redirect

import (
	"net/url"
	"strings"
)

// Validator decides whether a guest-supplied redirect target is safe.
type Validator struct {
	hostWhitelist map[string]bool
	fallback      string
}

// New creates a validator. Absolute URLs are allowed only for
// whitelisted hosts; fallback is returned for anything rejected.
func New(hostWhitelist []string, fallback string) *Validator {
	m := make(map[string]bool, len(hostWhitelist))
	for _, h := range hostWhitelist {
		m[strings.ToLower(h)] = true
	}
	return &Validator{hostWhitelist: m, fallback: fallback}
}

// Resolve returns target if it is safe, the fallback otherwise.
func (v *Validator) Resolve(target string) string {
	if v.IsSafe(target) {
		return target
	}
	return v.fallback
}

// IsSafe reports whether the target may be redirected to. Allowed:
// relative paths with a single leading slash, and absolute http/https
// URLs whose host is whitelisted. Protocol-relative URLs, backslash
// tricks, and non-web schemes are all rejected.
func (v *Validator) IsSafe(target string) bool {
	if target == "" {
		return false
	}
	if strings.ContainsAny(target, "\\\r\n\x00") {
		return false
	}

	if strings.HasPrefix(target, "/") {
		// "//host" and "///host" are scheme-relative in browsers.
		return !strings.HasPrefix(target, "//")
	}

	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host != "" && v.hostWhitelist[host]
}
