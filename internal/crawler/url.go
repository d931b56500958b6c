package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var pagePathPattern = regexp.MustCompile(`/page/(\d+)/?$`)

// DefaultExcludedPaths are path fragments that never point at a media page.
var DefaultExcludedPaths = []string{"/page/", "/category/", "/contact-us", "/legal-notice"}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports and fragments, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url: %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u.String(), nil
}

// SameOrigin reports whether two absolute URLs share scheme-insensitive host.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

// IsBaseURL reports whether candidate is the base URL itself, with or without a trailing slash.
func IsBaseURL(candidate, base *url.URL) bool {
	if !SameOrigin(candidate, base) {
		return false
	}
	return strings.TrimSuffix(candidate.EscapedPath(), "/") == strings.TrimSuffix(base.EscapedPath(), "/") &&
		candidate.RawQuery == ""
}

// ExcludedPath reports whether the path contains any of the excluded fragments.
func ExcludedPath(path string, excluded []string) bool {
	lower := strings.ToLower(path)
	for _, fragment := range excluded {
		if fragment == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(fragment)) {
			return true
		}
	}
	return false
}

// PageIndex extracts N from a /page/N/ listing URL. ok is false for other URLs.
func PageIndex(rawURL string) (int, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	match := pagePathPattern.FindStringSubmatch(u.Path)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// MaxPageIndex returns the highest page number referenced by links, or 1 when
// none of them is a pagination link.
func MaxPageIndex(links []string) int {
	highest := 1
	for _, link := range links {
		if n, ok := PageIndex(link); ok && n > highest {
			highest = n
		}
	}
	return highest
}

// ListingPageURL returns the URL of listing page n under baseURL. Page 1 is the base itself.
func ListingPageURL(baseURL string, n int) string {
	trimmed := strings.TrimSuffix(baseURL, "/")
	if n <= 1 {
		return trimmed + "/"
	}
	return fmt.Sprintf("%s/page/%d/", trimmed, n)
}
