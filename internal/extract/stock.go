package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var availabilityRe = regexp.MustCompile(`(?i)"availability"\s*:\s*"[^"]*?(InStock|OutOfStock|SoldOut|Discontinued|PreOrder|BackOrder|LimitedAvailability)"`)

var outOfStockPhrases = []string{
	"out of stock",
	"sold out",
	"currently unavailable",
	"no longer available",
	"ausverkauft",
	"nicht verfügbar",
	"nicht lieferbar",
	"rupture de stock",
	"agotado",
}

// InStock reports whether the page offers the product for sale. Structured
// schema.org availability wins; otherwise the visible text is scanned for
// out-of-stock phrases. Pages with no signal count as in stock.
func (d *Document) InStock() bool {
	for _, sel := range []string{
		`[itemprop="availability"]`,
		`meta[property="product:availability"]`,
		`meta[property="og:availability"]`,
	} {
		s := d.doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		v := s.AttrOr("href", "")
		if v == "" {
			v = nodeValue(s)
		}
		if in, ok := availabilityValue(v); ok {
			return in
		}
	}

	var structured *bool
	d.doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		m := availabilityRe.FindStringSubmatch(s.Text())
		if m == nil {
			return true
		}
		in, ok := availabilityValue(m[1])
		if ok {
			structured = &in
			return false
		}
		return true
	})
	if structured != nil {
		return *structured
	}

	body := strings.ToLower(clean(d.doc.Find("body").Text()))
	for _, p := range outOfStockPhrases {
		if strings.Contains(body, p) {
			return false
		}
	}
	return true
}

func availabilityValue(v string) (inStock bool, ok bool) {
	v = strings.ToLower(v)
	switch {
	case strings.Contains(v, "outofstock"), strings.Contains(v, "out of stock"),
		strings.Contains(v, "soldout"), strings.Contains(v, "discontinued"):
		return false, true
	case strings.Contains(v, "instock"), strings.Contains(v, "in stock"),
		strings.Contains(v, "limitedavailability"), strings.Contains(v, "preorder"),
		strings.Contains(v, "backorder"):
		return true, true
	}
	return false, false
}
