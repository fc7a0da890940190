package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// maxPlausiblePrice rejects numbers that are almost certainly not a retail
// price (SKUs, phone numbers, EANs).
var maxPlausiblePrice = decimal.NewFromInt(1_000_000)

var (
	numberRe = regexp.MustCompile(`\d{1,3}(?:[ '\x{00A0}\x{202F}.,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d+)?`)
	isoRe    = regexp.MustCompile(`\b[A-Z]{3}\b`)
)

var symbols = []struct {
	sym  string
	code string
}{
	{"US$", "USD"},
	{"CA$", "CAD"},
	{"A$", "AUD"},
	{"CHF", "CHF"},
	{"zł", "PLN"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"₹", "INR"},
	{"₩", "KRW"},
	{"₺", "TRY"},
	{"₽", "RUB"},
}

// Price is a parsed monetary amount.
type Price struct {
	Amount   decimal.Decimal
	Currency string
	Raw      string
}

// ParsePrice extracts the first plausible price from text. It understands
// US ("1,299.99") and European ("1.299,99") separators, currency symbols and
// ISO codes. Zero, negative and implausibly large values are rejected.
func ParsePrice(text string) (Price, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Price{}, false
	}

	loc := numberRe.FindStringIndex(text)
	if loc == nil || negated(text[:loc[0]]) {
		return Price{}, false
	}
	raw := text[loc[0]:loc[1]]

	amount, err := decimal.NewFromString(normalizeNumber(raw))
	if err != nil || !amount.IsPositive() || amount.GreaterThan(maxPlausiblePrice) {
		return Price{}, false
	}

	return Price{Amount: amount, Currency: detectCurrency(text), Raw: raw}, true
}

// negated reports whether the text before a number ends in a minus sign,
// possibly followed by a currency symbol or code ("-$5", "−19,99", "EUR -3").
func negated(before string) bool {
	before = strings.TrimRightFunc(before, unicode.IsSpace)
	for _, s := range symbols {
		if b, ok := strings.CutSuffix(before, s.sym); ok {
			before = strings.TrimRightFunc(b, unicode.IsSpace)
			break
		}
	}
	if loc := isoRe.FindStringIndex(before); loc != nil && loc[1] == len(before) {
		before = strings.TrimRightFunc(before[:loc[0]], unicode.IsSpace)
	}
	return strings.HasSuffix(before, "-") || strings.HasSuffix(before, "\u2212")
}

// normalizeNumber turns a localized number into "1234.56" form.
func normalizeNumber(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\'', '\u00a0', '\u202f':
			return -1
		}
		return r
	}, s)

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Whichever separator comes last is the decimal point.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = resolveSingle(s, ",")
	case lastDot >= 0:
		s = resolveSingle(s, ".")
	}
	return s
}

// resolveSingle handles numbers with only one kind of separator. A lone
// separator followed by exactly three digits is a thousands separator
// ("1,299", "1.299"), unless the integer part is zero ("0.299").
func resolveSingle(s, sep string) string {
	parts := strings.Split(s, sep)
	if len(parts) > 2 {
		return strings.Join(parts, "")
	}
	intPart, frac := parts[0], parts[1]
	if len(frac) == 3 && intPart != "0" {
		return intPart + frac
	}
	return intPart + "." + frac
}

func detectCurrency(text string) string {
	for _, s := range symbols {
		if strings.Contains(text, s.sym) {
			return s.code
		}
	}
	for _, m := range isoRe.FindAllString(text, -1) {
		if unit, err := currency.ParseISO(m); err == nil {
			return unit.String()
		}
	}
	return ""
}

// NormalizeCurrency returns the canonical ISO code for code, or "" when it
// is not a known currency.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if unit, err := currency.ParseISO(code); err == nil {
		return unit.String()
	}
	for _, s := range symbols {
		if s.sym == code {
			return s.code
		}
	}
	return ""
}
