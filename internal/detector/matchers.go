// Declarative named matchers, one per signal fragment (symbol, direction,
// entry, targets, stop, leverage). Each is a small, independently testable
// function producing an optional typed fragment; detector.go composes them
// and a single scorer decides accept/reject, which keeps both rejection
// reasons and score contributions diagnosable.
package detector

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ashgrove/signalbridge/internal/model"
)

var (
	symbolHash       = regexp.MustCompile(`#([A-Za-z]{2,10}?)(?:USDT|/USDT)?\b`)
	symbolUSDTSuffix = regexp.MustCompile(`\b([A-Za-z]{2,10})USDT\b`)
	symbolUSDTSlash  = regexp.MustCompile(`\b([A-Za-z]{2,10})/USDT\b`)
	symbolUSDTParen  = regexp.MustCompile(`\b([A-Za-z]{2,10})\(USDT\)`)
	symbolLabeled    = regexp.MustCompile(`(?i)(?:Symbol|COIN NAME)\s*[:\-]\s*([A-Za-z]{2,10})\b`)
)

// matchSymbol extracts and normalizes a base token to BASEUSDT.
func matchSymbol(text string) (string, bool) {
	for _, re := range []*regexp.Regexp{symbolHash, symbolUSDTSuffix, symbolUSDTSlash, symbolUSDTParen, symbolLabeled} {
		if m := re.FindStringSubmatch(text); m != nil {
			base := strings.ToUpper(m[1])
			if len(base) < 2 || len(base) > 10 {
				continue
			}
			return base + "USDT", true
		}
	}
	return "", false
}

var (
	directionStandalone = regexp.MustCompile(`(?i)\b(LONG|SHORT|BUY|SELL)\b`)
	directionLabeled    = regexp.MustCompile(`(?i)(?:Trade|Signal)\s*Type\s*[:\-]\s*(Long|Short)`)
	directionOpening    = regexp.MustCompile(`(?i)Opening\s+(LONG|SHORT)`)
	directionSetup      = regexp.MustCompile(`(?i)\b(LONG|SHORT)\s+SETUP\b`)
	directionHash       = regexp.MustCompile(`(?i)#(LONG|SHORT)\b`)
	directionEmoji      = regexp.MustCompile(`(?:🟢\s*LONG|🔴\s*SHORT|📈\s*LONG|📉\s*SHORT)`)
)

// matchDirection extracts LONG/SHORT, normalizing BUY→LONG and SELL→SHORT.
func matchDirection(text string) (model.Side, bool) {
	for _, re := range []*regexp.Regexp{directionLabeled, directionOpening, directionSetup, directionHash, directionStandalone} {
		if m := re.FindStringSubmatch(text); m != nil {
			return normalizeSide(m[1]), true
		}
	}
	if directionEmoji.MatchString(text) {
		switch {
		case strings.Contains(text, "🟢") || strings.Contains(text, "📈"):
			return model.Long, true
		case strings.Contains(text, "🔴") || strings.Contains(text, "📉"):
			return model.Short, true
		}
	}
	return "", false
}

func normalizeSide(raw string) model.Side {
	switch strings.ToUpper(raw) {
	case "LONG", "BUY":
		return model.Long
	case "SHORT", "SELL":
		return model.Short
	default:
		return ""
	}
}

var entryClause = regexp.MustCompile(`(?i)(?:Entry\s*zone|Entries|Entry|ENTRY PRICE)\s*[:\-]?\s*\(?([\d.,$]+(?:\s*-\s*[\d.,$]+)?)\)?`)

// entryFragment carries the parsed entry price/range.
type entryFragment struct {
	low, high, mid decimal.Decimal
}

func matchEntry(text string) (entryFragment, bool) {
	m := entryClause.FindStringSubmatch(text)
	if m == nil {
		return entryFragment{}, false
	}
	low, high, mid, ok := parsePriceOrRange(m[1])
	if !ok {
		return entryFragment{}, false
	}
	return entryFragment{low: low, high: high, mid: mid}, true
}

var (
	targetsHeader = regexp.MustCompile(`(?i)Target\s*\d*\s*[:\-]|Targets?\s*[:\-]|Take[- ]?Profit|TP\d*`)
	targetLine    = regexp.MustCompile(`(?i)(?:Target\s*\d+|TP\d*)\s*[:\-]?\s*\$?([\d.,]+)`)
	// Bare list headers: "Targets: 0.02375, 0.02400" with no per-target
	// numbering. The capture runs until the next non-price word.
	targetsList   = regexp.MustCompile(`(?i)(?:Targets?|Take[- ]?Profits?)\s*[:\-]\s*((?:\$?\d[\d.]*[,\s]*)+)`)
	listSeparator = regexp.MustCompile(`[,\s]+`)
	numberedLine  = regexp.MustCompile(`(?m)^\s*\d+[.)]\s*\$?([\d.,]+)\s*$`)
)

// matchTargets extracts the ordered list of take-profit prices.
func matchTargets(text string) ([]decimal.Decimal, bool) {
	if !targetsHeader.MatchString(text) {
		// Numbered list items with a price still count as a targets clause
		// even without an explicit header.
		if nums := numberedLine.FindAllStringSubmatch(text, -1); len(nums) > 0 {
			return pricesFromMatches(nums), true
		}
		return nil, false
	}
	if matches := targetLine.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		return pricesFromMatches(matches), true
	}
	if m := targetsList.FindStringSubmatch(text); m != nil {
		if prices := splitPrices(m[1]); len(prices) > 0 {
			return prices, true
		}
	}
	if nums := numberedLine.FindAllStringSubmatch(text, -1); len(nums) > 0 {
		return pricesFromMatches(nums), true
	}
	return nil, true // header present, no parseable prices yet
}

func pricesFromMatches(matches [][]string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(matches))
	for _, m := range matches {
		if p, ok := parsePrice(m[1]); ok {
			out = append(out, p)
		}
	}
	return out
}

// splitPrices parses a comma- or space-separated run of price tokens.
func splitPrices(raw string) []decimal.Decimal {
	tokens := listSeparator.Split(strings.TrimSpace(raw), -1)
	out := make([]decimal.Decimal, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if p, ok := parsePrice(tok); ok {
			out = append(out, p)
		}
	}
	return out
}

var (
	stopClause     = regexp.MustCompile(`(?i)(?:Stop[- ]?Loss|Stoploss|\bSL\b|\bSTOP\b)\s*[:\-]?\s*\$?([\d.]+%?)?`)
	stopPercentTok = regexp.MustCompile(`^\d+(\.\d+)?%$`)
)

// stopFragment carries either an absolute stop price or a percentage
// distance, resolved against the entry by the caller.
type stopFragment struct {
	price      decimal.Decimal
	hasPrice   bool
	percent    decimal.Decimal
	hasPercent bool
}

func matchStop(text string) (stopFragment, bool) {
	m := stopClause.FindStringSubmatch(text)
	if m == nil {
		return stopFragment{}, false
	}
	if len(m) < 2 || m[1] == "" {
		return stopFragment{}, true // clause present, no numeric value parsed
	}
	raw := m[1]
	if stopPercentTok.MatchString(raw) {
		pct, ok := parsePrice(strings.TrimSuffix(raw, "%"))
		if ok {
			return stopFragment{percent: pct, hasPercent: true}, true
		}
		return stopFragment{}, true
	}
	p, ok := parsePrice(raw)
	if !ok {
		return stopFragment{}, true
	}
	return stopFragment{price: p, hasPrice: true}, true
}

var leverageClause = regexp.MustCompile(`(?i)Leverage\s*[:\-]?\s*(\d+(?:\.\d+)?)\s*x?`)

func matchLeverage(text string) (decimal.Decimal, bool) {
	m := leverageClause.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false
	}
	v, ok := parsePrice(m[1])
	return v, ok
}
