package risk

import (
	"github.com/shopspring/decimal"

	"position-core/pkg/db"
)

// Targets is the exit plan the monitor evaluates for one position.
type Targets struct {
	StopLoss decimal.NullDecimal
	Ladder   []db.TakeProfitLevel
}

// ResolveTargets picks the authoritative exit plan. A linked signal wins when
// it carries anything; otherwise the position's own fields apply, with a
// single take-profit treated as a one-step ladder that closes everything.
func ResolveTargets(p *db.Position, sig *db.Signal) Targets {
	if sig != nil && (sig.StopLoss.Valid || len(sig.TakeProfitLevels) > 0) {
		return Targets{StopLoss: sig.StopLoss, Ladder: sig.TakeProfitLevels}
	}
	t := Targets{StopLoss: p.StopLoss, Ladder: p.TakeProfitLevels}
	if len(t.Ladder) == 0 && p.TakeProfit.Valid {
		t.Ladder = []db.TakeProfitLevel{{Price: p.TakeProfit.Decimal, Percent: hundred}}
	}
	return t
}

// EffectiveStop is the authoritative stop, or the position's stored stop once
// a trailing stop has tightened it past that.
func EffectiveStop(p *db.Position, t Targets) decimal.NullDecimal {
	if p.Trailing != nil && p.StopLoss.Valid && (!t.StopLoss.Valid || tighter(p.Direction, p.StopLoss.Decimal, t.StopLoss.Decimal)) {
		return p.StopLoss
	}
	return t.StopLoss
}

// NextLevel returns the first untaken ladder level if price has reached it.
func NextLevel(ladder []db.TakeProfitLevel, hits int, dir db.Direction, price decimal.Decimal) (db.TakeProfitLevel, bool) {
	if hits < 0 || hits >= len(ladder) {
		return db.TakeProfitLevel{}, false
	}
	lvl := ladder[hits]
	if !TargetReached(dir, price, lvl.Price) {
		return db.TakeProfitLevel{}, false
	}
	return lvl, true
}

// CloseQuantity is the share of remaining closed by a ladder level. Levels at
// or above 100 percent, and the last level of a ladder, close everything.
func CloseQuantity(remaining, percent decimal.Decimal, last bool) decimal.Decimal {
	if last || percent.GreaterThanOrEqual(hundred) || percent.LessThanOrEqual(decimal.Zero) {
		return remaining
	}
	qty := remaining.Mul(percent).Div(hundred)
	if qty.GreaterThan(remaining) {
		return remaining
	}
	return qty
}

// ValidLadder checks that a ladder steps away from entry in the profit
// direction with percentages in (0,100].
func ValidLadder(dir db.Direction, ladder []db.TakeProfitLevel) bool {
	for i, lvl := range ladder {
		if lvl.Price.LessThanOrEqual(decimal.Zero) || lvl.Percent.LessThanOrEqual(decimal.Zero) || lvl.Percent.GreaterThan(hundred) {
			return false
		}
		if i == 0 {
			continue
		}
		prev := ladder[i-1].Price
		if dir == db.DirectionShort && !lvl.Price.LessThan(prev) {
			return false
		}
		if dir != db.DirectionShort && !lvl.Price.GreaterThan(prev) {
			return false
		}
	}
	return true
}
