package scrape

import (
	"net/url"
	"path"
	"strings"
)

var defaultExcludePatterns = []string{
	"/cart/*",
	"/checkout/*",
	"/account/*",
	"/login/*",
}

// excludeRule is one lowercased glob. subtree is set for "/x/*" patterns,
// which also cover "/x" itself and anything below it.
type excludeRule struct {
	glob    string
	subtree string
}

func (r excludeRule) matches(p string) bool {
	if ok, _ := path.Match(r.glob, p); ok {
		return true
	}
	return r.subtree != "" && (p == r.subtree || strings.HasPrefix(p, r.subtree+"/"))
}

// PathMatcher skips task URLs that can never carry a product price, such as
// cart or checkout pages. Matching is case-insensitive on the URL path.
type PathMatcher struct {
	rules []excludeRule
}

// NewPathMatcher compiles glob patterns like "/cart/*" or "/*.pdf". An empty
// list means the built-in cart, checkout, account and login exclusions.
func NewPathMatcher(patterns []string) *PathMatcher {
	if len(patterns) == 0 {
		patterns = defaultExcludePatterns
	}
	m := &PathMatcher{rules: make([]excludeRule, 0, len(patterns))}
	for _, p := range patterns {
		glob := strings.ToLower(p)
		rule := excludeRule{glob: glob}
		if before, ok := strings.CutSuffix(glob, "/*"); ok {
			rule.subtree = before
		}
		m.rules = append(m.rules, rule)
	}
	return m
}

// IsExcluded reports whether rawURL should be skipped. A URL that does not
// parse is skipped too.
func (m *PathMatcher) IsExcluded(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, r := range m.rules {
		if r.matches(p) {
			return true
		}
	}
	return false
}
