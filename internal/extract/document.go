// Package extract reads prices, titles and stock state out of product pages.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// Document is a parsed HTML page.
type Document struct {
	doc *goquery.Document
}

// Parse builds a Document from raw HTML.
func Parse(html string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse html")
	}
	return &Document{doc: doc}, nil
}

// Value returns the value of the first element matching selector. Meta and
// input elements yield their content/value attribute, other elements prefer
// a content attribute and fall back to their visible text. An invalid
// selector matches nothing.
func (d *Document) Value(selector string) (string, bool) {
	sel := d.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	v := nodeValue(sel)
	return v, v != ""
}

func nodeValue(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "meta":
		return clean(sel.AttrOr("content", ""))
	case "input":
		return clean(sel.AttrOr("value", ""))
	}
	if c, ok := sel.Attr("content"); ok && strings.TrimSpace(c) != "" {
		return clean(c)
	}
	return clean(sel.Text())
}

// Title returns the best generic product title: og:title, then the first
// h1, then the document title.
func (d *Document) Title() string {
	if v, ok := d.Value(`meta[property="og:title"]`); ok {
		return v
	}
	if v, ok := d.Value("h1"); ok {
		return v
	}
	v, _ := d.Value("title")
	return v
}

// clean collapses runs of whitespace.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
