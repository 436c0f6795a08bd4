// Package quant holds the fixed-precision rounding rules shared by the entry
// engine, lifecycle manager and pyramid manager: tick/step quantization and
// HALF-UP leverage rounding. Monetary arithmetic never touches binary
// floats.
package quant

import (
	"github.com/shopspring/decimal"
)

// QuantizeDown rounds price down to the nearest multiple of step — the safe
// side for a post-only buy resting below mid, or a sell-side quantity.
func QuantizeDown(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.Div(step).Truncate(0)
	return units.Mul(step)
}

// QuantizeUp rounds value up to the nearest multiple of step.
func QuantizeUp(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.DivRound(step, 0)
	floor := units.Mul(step)
	if floor.LessThan(value) {
		floor = floor.Add(step)
	}
	return floor
}

// QuantizeNearest rounds to the nearest multiple of step, ties away from
// zero — used for tick-rounding prices that aren't direction-sensitive.
func QuantizeNearest(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	units := value.DivRound(step, 0)
	return units.Mul(step)
}

// RoundLeverageHalfUp rounds leverage HALF-UP to 2 decimals.
func RoundLeverageHalfUp(raw decimal.Decimal) decimal.Decimal {
	return raw.Round(2)
}

// ClampLeverage clamps leverage into the configured [min, max] band.
func ClampLeverage(leverage, min, max decimal.Decimal) decimal.Decimal {
	if leverage.LessThan(min) {
		return min
	}
	if leverage.GreaterThan(max) {
		return max
	}
	return leverage
}

// Idempotent reports whether quantizing twice equals quantizing once.
func Idempotent(fn func(decimal.Decimal, decimal.Decimal) decimal.Decimal, value, step decimal.Decimal) bool {
	once := fn(value, step)
	twice := fn(once, step)
	return once.Equal(twice)
}
