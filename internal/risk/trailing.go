package risk

import (
	"github.com/shopspring/decimal"

	"position-core/pkg/db"
)

// AdvanceTrailing feeds one price into t and returns the stop that should be
// stored. The returned stop never loosens relative to current: a LONG stop
// only rises and a SHORT stop only falls. changed is true when the stop moved.
// t is mutated in place (activation flag and water marks).
func AdvanceTrailing(t *db.TrailingStop, dir db.Direction, entry, price decimal.Decimal, current decimal.NullDecimal) (decimal.NullDecimal, bool) {
	if t == nil || price.LessThanOrEqual(decimal.Zero) {
		return current, false
	}

	if !t.Activated {
		if ProfitPercent(dir, entry, price).LessThan(t.ActivationPercent) {
			return current, false
		}
		t.Activated = true
		t.HighWater = price
		t.LowWater = price
	}

	if t.HighWater.IsZero() || price.GreaterThan(t.HighWater) {
		t.HighWater = price
	}
	if t.LowWater.IsZero() || price.LessThan(t.LowWater) {
		t.LowWater = price
	}

	candidate, ok := trailingCandidate(t, dir, entry)
	if !ok {
		return current, false
	}
	if !current.Valid {
		return decimal.NewNullDecimal(candidate), true
	}
	if tighter(dir, candidate, current.Decimal) {
		return decimal.NewNullDecimal(candidate), true
	}
	return current, false
}

func trailingCandidate(t *db.TrailingStop, dir db.Direction, entry decimal.Decimal) (decimal.Decimal, bool) {
	one := decimal.NewFromInt(1)
	switch t.Type {
	case db.TrailingPercent:
		frac := t.Distance.Div(hundred)
		if dir == db.DirectionShort {
			return t.LowWater.Mul(one.Add(frac)), true
		}
		return t.HighWater.Mul(one.Sub(frac)), true
	case db.TrailingFixed:
		if dir == db.DirectionShort {
			return t.LowWater.Add(t.Distance), true
		}
		return t.HighWater.Sub(t.Distance), true
	case db.TrailingBreakeven:
		frac := t.Distance.Div(hundred)
		if dir == db.DirectionShort {
			return entry.Mul(one.Sub(frac)), true
		}
		return entry.Mul(one.Add(frac)), true
	}
	return decimal.Zero, false
}

func tighter(dir db.Direction, candidate, current decimal.Decimal) bool {
	if dir == db.DirectionShort {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

// ValidTrailing checks a descriptor supplied by a caller.
func ValidTrailing(t *db.TrailingStop) bool {
	if t == nil {
		return true
	}
	switch t.Type {
	case db.TrailingPercent:
		return t.Distance.GreaterThan(decimal.Zero) && t.Distance.LessThan(hundred)
	case db.TrailingFixed:
		return t.Distance.GreaterThan(decimal.Zero)
	case db.TrailingBreakeven:
		return t.Distance.GreaterThanOrEqual(decimal.Zero)
	}
	return false
}
