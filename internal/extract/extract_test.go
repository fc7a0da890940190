package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		amount   string
		currency string
		ok       bool
	}{
		{"$19.99", "19.99", "USD", true},
		{"19,99 €", "19.99", "EUR", true},
		{"EUR 1.234,56", "1234.56", "EUR", true},
		{"1,299.00 USD", "1299", "USD", true},
		{"£1,299", "1299", "GBP", true},
		{"1 299,00 €", "1299", "EUR", true},
		{"CHF 49.–", "49", "CHF", true},
		{"0.299", "0.299", "", true},
		{"1.299.000", "1299000", "", false}, // above plausibility cap
		{"Price: 42", "42", "", true},
		{"0,00 €", "", "", false},
		{"free", "", "", false},
		{"", "", "", false},
		{"NaN", "", "", false},
		{"9999999", "", "", false},
		{"-19.99", "", "", false},
		{"Save -$5.00", "", "", false},
		{"\u221219,99 €", "", "", false},
		{"$ -7", "", "", false},
		{"EUR -3,50", "", "", false},
		{"Art.-Nr. 42", "42", "", true},
		{"Was $30 - now $20", "30", "USD", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			p, ok := ParsePrice(tt.in)
			require.Equal(t, tt.ok, ok, "ParsePrice(%q)", tt.in)
			if !ok {
				return
			}
			assert.Equal(t, tt.amount, p.Amount.String())
			assert.Equal(t, tt.currency, p.Currency)
		})
	}
}

func TestNormalizeCurrency(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "EUR", NormalizeCurrency("eur"))
	assert.Equal(t, "GBP", NormalizeCurrency("£"))
	assert.Equal(t, "", NormalizeCurrency("XYZ1"))
	assert.Equal(t, "", NormalizeCurrency(""))
}

const productPage = `<!doctype html>
<html><head>
<title>Widget Pro | Shop Example</title>
<meta property="og:title" content="Widget Pro">
</head>
<body>
<nav><a href="/">Home</a> <span class="cart-count">3</span></nav>
<div class="product">
  <h1 class="product-title" data-testid="pdp-title">Widget Pro</h1>
  <div class="buy-box">
    <span class="price price--current is-active" data-price="19.99">$19.99</span>
    <span class="price price--old">$24.99</span>
  </div>
  <p id="stock-note">Ships in 2 days</p>
</div>
</body></html>`

func TestDocumentValue(t *testing.T) {
	t.Parallel()
	doc, err := Parse(productPage)
	require.NoError(t, err)

	v, ok := doc.Value(".price--current")
	assert.True(t, ok)
	assert.Equal(t, "$19.99", v)

	v, ok = doc.Value(`meta[property="og:title"]`)
	assert.True(t, ok)
	assert.Equal(t, "Widget Pro", v)

	_, ok = doc.Value(".does-not-exist")
	assert.False(t, ok)

	_, ok = doc.Value("div[[[")
	assert.False(t, ok, "invalid selectors match nothing")

	assert.Equal(t, "Widget Pro", doc.Title())
}

func TestTitleFallbacks(t *testing.T) {
	t.Parallel()

	doc, err := Parse(`<html><head><title>Only Title</title></head><body></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Only Title", doc.Title())

	doc, err = Parse(`<html><body><h1>  Heading
	  Title </h1></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Heading Title", doc.Title())
}

func TestInStock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		want bool
	}{
		{"microdata out", `<link itemprop="availability" href="https://schema.org/OutOfStock">`, false},
		{"microdata in", `<link itemprop="availability" href="https://schema.org/InStock"><p>sold out last week</p>`, true},
		{"meta", `<meta property="product:availability" content="out of stock">`, false},
		{"json-ld", `<script type="application/ld+json">{"@type":"Offer","availability":"https://schema.org/InStock"}</script><p>Sold out</p>`, true},
		{"text out", `<p>Leider ausverkauft</p>`, false},
		{"no signal", `<p>Buy now</p>`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc, err := Parse("<html><head></head><body>" + tt.html + "</body></html>")
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.InStock())
		})
	}
}

func TestLocalizePrice(t *testing.T) {
	t.Parallel()
	doc, err := Parse(productPage)
	require.NoError(t, err)

	sel, ok := doc.Localize(PriceMatcher("19.99"))
	require.True(t, ok)
	// Noisy state classes are dropped from the class list.
	assert.Equal(t, "span.price.price--current", sel)

	v, ok := doc.Value(sel)
	require.True(t, ok)
	assert.Equal(t, "$19.99", v)
}

func TestLocalizePrefersID(t *testing.T) {
	t.Parallel()
	doc, err := Parse(`<html><body><div><b id="amount" class="x">EUR 49,00</b></div></body></html>`)
	require.NoError(t, err)

	sel, ok := doc.Localize(PriceMatcher("49.00"))
	require.True(t, ok)
	assert.Equal(t, "#amount", sel)
}

func TestLocalizeFallsBackToDataAttribute(t *testing.T) {
	t.Parallel()
	// The shared class would select the wrong element first.
	doc, err := Parse(`<html><body>
<span class="money">$5.00</span>
<span class="money" data-role="sale-price">$3.50</span>
</body></html>`)
	require.NoError(t, err)

	sel, ok := doc.Localize(PriceMatcher("3.50"))
	require.True(t, ok)
	assert.Equal(t, `span[data-role="sale-price"]`, sel)
}

func TestLocalizeTitle(t *testing.T) {
	t.Parallel()
	doc, err := Parse(productPage)
	require.NoError(t, err)

	sel, ok := doc.Localize(TextMatcher("widget pro"))
	require.True(t, ok)
	v, _ := doc.Value(sel)
	assert.Equal(t, "Widget Pro", v)
}

func TestLocalizeNoMatch(t *testing.T) {
	t.Parallel()
	doc, err := Parse(productPage)
	require.NoError(t, err)

	_, ok := doc.Localize(PriceMatcher("77.77"))
	assert.False(t, ok)

	_, ok = doc.Localize(PriceMatcher("not a price"))
	assert.False(t, ok)

	_, ok = doc.Localize(TextMatcher(""))
	assert.False(t, ok)
}
