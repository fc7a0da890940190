package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var identRe = regexp.MustCompile(`^-?[_a-zA-Z][_a-zA-Z0-9-]*$`)

// Classes that carry layout state rather than meaning.
var noisyClassRe = regexp.MustCompile(`^(is-|has-|js-|active$|selected$|hidden$|visible$|sr-only$)|[0-9a-f]{6,}`)

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "html": true, "body": true, "svg": true,
}

// Localize finds the smallest element whose value satisfies match and
// synthesizes a CSS selector for it, preferring an id, then the class list,
// then data attributes. The selector is only returned if its first match on
// this page yields a value that satisfies match.
func (d *Document) Localize(match func(value string) bool) (string, bool) {
	var best *goquery.Selection
	bestLen, bestDepth := -1, -1

	d.doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		if skipTags[name] {
			return
		}
		if name == "meta" && s.AttrOr("content", "") == "" {
			return
		}
		v := nodeValue(s)
		if v == "" || !match(v) {
			return
		}
		depth := s.Parents().Length()
		if best == nil || len(v) < bestLen || (len(v) == bestLen && depth > bestDepth) {
			best, bestLen, bestDepth = s, len(v), depth
		}
	})
	if best == nil {
		return "", false
	}

	for _, candidate := range selectorCandidates(best) {
		if v, ok := d.Value(candidate); ok && match(v) {
			return candidate, true
		}
	}
	return "", false
}

func selectorCandidates(s *goquery.Selection) []string {
	name := goquery.NodeName(s)
	var out []string

	if id, ok := s.Attr("id"); ok && id != "" {
		if identRe.MatchString(id) {
			out = append(out, "#"+id)
		} else {
			out = append(out, fmt.Sprintf(`[id=%q]`, id))
		}
	}

	var classes []string
	for _, c := range strings.Fields(s.AttrOr("class", "")) {
		if identRe.MatchString(c) && !noisyClassRe.MatchString(c) {
			classes = append(classes, c)
		}
	}
	if len(classes) > 0 {
		out = append(out, name+"."+strings.Join(classes, "."))
	}

	if len(s.Nodes) > 0 {
		for _, a := range s.Nodes[0].Attr {
			if strings.HasPrefix(a.Key, "data-") || a.Key == "itemprop" {
				out = append(out, attrSelector(name, a.Key, a.Val))
			}
		}
	}
	return out
}

func attrSelector(tag, key, val string) string {
	if val == "" || len(val) > 64 {
		return fmt.Sprintf("%s[%s]", tag, key)
	}
	return fmt.Sprintf(`%s[%s=%q]`, tag, key, val)
}

// PriceMatcher matches values that parse to the same amount as want.
func PriceMatcher(want string) func(string) bool {
	target, ok := ParsePrice(want)
	return func(v string) bool {
		if !ok {
			return false
		}
		got, ok := ParsePrice(v)
		return ok && got.Amount.Equal(target.Amount)
	}
}

// TextMatcher matches values equal to or containing want, ignoring case and
// whitespace differences.
func TextMatcher(want string) func(string) bool {
	want = strings.ToLower(clean(want))
	return func(v string) bool {
		if want == "" {
			return false
		}
		return strings.Contains(strings.ToLower(clean(v)), want)
	}
}
