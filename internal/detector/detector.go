// Package detector classifies a chat message as signal vs. non-signal.
// Three stages run in order with short-circuit on rejection: hard exclusion,
// component extraction, confidence scoring.
package detector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ashgrove/signalbridge/internal/model"
)

// Confidence is the Stage 3 classification bucket.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Parsed is everything Stage 2 extracted, normalized but not yet sized.
type Parsed struct {
	Symbol     string
	Side       model.Side
	EntryMid   decimal.Decimal
	EntryLow   decimal.Decimal
	EntryHigh  decimal.Decimal
	Targets    []decimal.Decimal
	StopLoss   *decimal.Decimal // nil if absent — FAST fallback applies downstream
	Leverage   *decimal.Decimal
	Confidence Confidence
	Score      int
}

// Result is the Detector's output.
type Result struct {
	IsSignal bool
	Reason   string
	Parsed   *Parsed
}

var exclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)all (entry|take[- ]?profit)? ?targets? achieved`),
	regexp.MustCompile(`(?i)target \d+ ✅`),
	regexp.MustCompile(`(?i)tp\d* ✅`),
	regexp.MustCompile(`(?i)profit:\s*[\d.]+%.*period:`),
	regexp.MustCompile(`(?i)achieved (😎|✅|✔)`),
	regexp.MustCompile(`(?i)^(news|update|announcement|important|notice|maintenance)\s*:`),
	regexp.MustCompile(`(?i)system update|bug fix`),
}

var firstPersonIntent = regexp.MustCompile(`(?i)^(I've|I am|I want|I decided|I'm)\b`)
var tradingKeyword = regexp.MustCompile(`(?i)\b(entry|target|tp|stop|sl|leverage)\b`)
var anySymbolHint = regexp.MustCompile(`(?i)#[A-Za-z]{2,10}|\b[A-Za-z]{2,10}USDT\b|\b[A-Za-z]{2,10}/USDT\b`)

const (
	ReasonTooShort           = "too_short"
	ReasonMissingSymbol      = "missing_symbol"
	ReasonMissingDirection   = "missing_direction"
	ReasonMissingTradingData = "missing_trading_data"
	ReasonBelowConfidence    = "below_confidence"
)

// Detect runs the three-stage pipeline against raw message text.
func Detect(text string) Result {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return Result{IsSignal: false, Reason: ReasonTooShort}
	}

	// Stage 1 — hard exclusion.
	for i, re := range exclusionPatterns {
		if re.MatchString(trimmed) {
			return Result{IsSignal: false, Reason: fmt.Sprintf("excluded:pattern_%d", i)}
		}
	}
	if firstPersonIntent.MatchString(trimmed) {
		if !anySymbolHint.MatchString(trimmed) && !tradingKeyword.MatchString(trimmed) {
			return Result{IsSignal: false, Reason: "excluded:first_person_intent"}
		}
	}

	// Stage 2 — component extraction.
	symbol, symbolOK := matchSymbol(trimmed)
	if !symbolOK {
		return Result{IsSignal: false, Reason: ReasonMissingSymbol}
	}

	side, sideOK := matchDirection(trimmed)
	if !sideOK {
		return Result{IsSignal: false, Reason: ReasonMissingDirection}
	}

	entry, hasEntry := matchEntry(trimmed)
	targets, hasTargets := matchTargets(trimmed)
	stop, hasStop := matchStop(trimmed)
	if !hasEntry && !hasTargets && !hasStop {
		return Result{IsSignal: false, Reason: ReasonMissingTradingData}
	}

	leverage, hasLeverage := matchLeverage(trimmed)

	// Stage 3 — confidence scoring.
	score := 4 // symbol
	score += 3 // direction
	if hasEntry {
		score += 3
	}
	if hasTargets && len(targets) > 0 {
		score += 2
	}
	if hasStop && (stop.hasPrice || stop.hasPercent) {
		score += 2
	}
	if hasLeverage {
		score += 1
	}
	if len(targets) >= 2 {
		score += 1
	}
	if countNumericTokens(trimmed) >= 3 {
		score += 1
	}

	var confidence Confidence
	switch {
	case score >= 8:
		confidence = ConfidenceHigh
	case score >= 5:
		confidence = ConfidenceMedium
	case score >= 3:
		confidence = ConfidenceLow
	default:
		return Result{IsSignal: false, Reason: ReasonBelowConfidence}
	}

	parsed := &Parsed{
		Symbol:     symbol,
		Side:       side,
		Targets:    orderTargets(targets, side),
		Confidence: confidence,
		Score:      score,
	}

	if hasEntry {
		parsed.EntryMid = entry.mid
		parsed.EntryLow = entry.low
		parsed.EntryHigh = entry.high
	} else if len(parsed.Targets) > 0 {
		// No explicit entry clause: infer entry from the nearest target so
		// sizing still has a reference price.
		parsed.EntryMid = parsed.Targets[0]
		parsed.EntryLow = parsed.EntryMid
		parsed.EntryHigh = parsed.EntryMid
	}

	if hasStop {
		if stop.hasPrice {
			sl := stop.price
			parsed.StopLoss = &sl
		} else if stop.hasPercent && !parsed.EntryMid.IsZero() {
			sl := resolveStopFromPercent(parsed.EntryMid, stop.percent, side)
			parsed.StopLoss = &sl
		}
	}

	if hasLeverage {
		parsed.Leverage = &leverage
	}

	return Result{IsSignal: true, Parsed: parsed}
}

// orderTargets enforces the targets-monotonic-in-trade-direction invariant:
// ascending for LONG, descending for SHORT.
func orderTargets(targets []decimal.Decimal, side model.Side) []decimal.Decimal {
	if len(targets) < 2 {
		return targets
	}
	out := append([]decimal.Decimal(nil), targets...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			lessIsWrong := side == model.Long && out[j].LessThan(out[j-1])
			greaterIsWrong := side == model.Short && out[j].GreaterThan(out[j-1])
			if lessIsWrong || greaterIsWrong {
				out[j], out[j-1] = out[j-1], out[j]
				continue
			}
			break
		}
	}
	return out
}

func resolveStopFromPercent(entry, pct decimal.Decimal, side model.Side) decimal.Decimal {
	frac := pct.Div(decimal.NewFromInt(100))
	if side == model.Long {
		return entry.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(frac))
}
