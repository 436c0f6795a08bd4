package detector

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var rangeSeparator = regexp.MustCompile(`\s*-\s*`)

// parsePrice turns a single numeric token (optionally `$`-prefixed) into a
// decimal. Deterministic, no locale guessing: `.` is always the decimal
// separator.
func parsePrice(token string) (decimal.Decimal, bool) {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "$")
	token = strings.ReplaceAll(token, ",", "")
	token = strings.Trim(token, "()")
	if token == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// parsePriceOrRange accepts "a", "a - b" or "(a-b)" and returns (low, high,
// mid). For a single value low == high == mid.
func parsePriceOrRange(raw string) (low, high, mid decimal.Decimal, ok bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "()")
	parts := rangeSeparator.Split(raw, 2)
	if len(parts) == 2 {
		a, okA := parsePrice(parts[0])
		b, okB := parsePrice(parts[1])
		if !okA || !okB {
			return decimal.Zero, decimal.Zero, decimal.Zero, false
		}
		if a.GreaterThan(b) {
			a, b = b, a
		}
		mid := a.Add(b).Div(decimal.NewFromInt(2))
		return a, b, mid, true
	}
	v, okV := parsePrice(raw)
	if !okV {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return v, v, v, true
}

var numericTokenPattern = regexp.MustCompile(`\$?\d+(?:[.,]\d+)?`)

// countNumericTokens counts plausible price-shaped tokens, used for the
// "≥3 numeric price tokens" scoring bonus.
func countNumericTokens(text string) int {
	return len(numericTokenPattern.FindAllString(text, -1))
}
