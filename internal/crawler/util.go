package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalizeURL drops fragments and fills in a default scheme and path.
func CanonicalizeURL(raw string) (string, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", nil, fmt.Errorf("parse url: %w", err)
	}
	parsed.Fragment = ""
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), parsed, nil
}

// ResolveLink resolves href against base and canonicalizes it. Only http(s)
// links are returned.
func ResolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	canonical, _, err := CanonicalizeURL(abs.String())
	if err != nil {
		return "", false
	}
	return canonical, true
}

// SameHost compares hostnames case-insensitively.
func SameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

// HostOf returns the lowercased hostname of rawURL, or "unknown".
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
