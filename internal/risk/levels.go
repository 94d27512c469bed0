// Package risk holds the price arithmetic shared by matching, monitoring and
// escort: liquidation, PnL, stop and target triggers, trailing stops and
// take-profit ladders. Everything here is pure and safe for concurrent use.
package risk

import (
	"github.com/shopspring/decimal"

	"position-core/pkg/db"
)

var hundred = decimal.NewFromInt(100)

// LiquidationPrice is entry*(1-1/lev+mm) for LONG and entry*(1+1/lev-mm) for SHORT.
func LiquidationPrice(dir db.Direction, entry decimal.Decimal, leverage int, maintenance decimal.Decimal) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	if dir == db.DirectionShort {
		return entry.Mul(decimal.NewFromInt(1).Add(inv).Sub(maintenance))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(inv).Add(maintenance))
}

// PnL is the signed gross result of moving qty from entry to price.
func PnL(dir db.Direction, entry, price, qty decimal.Decimal) decimal.Decimal {
	return price.Sub(entry).Mul(qty).Mul(dir.Sign())
}

// ProfitPercent is the favorable move from entry in percent, negative when losing.
func ProfitPercent(dir db.Direction, entry, price decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	return price.Sub(entry).Div(entry).Mul(hundred).Mul(dir.Sign())
}

// StopTriggered reports whether price crossed a protective stop.
func StopTriggered(dir db.Direction, price, stop decimal.Decimal) bool {
	if dir == db.DirectionShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// TargetReached reports whether price reached a profit target.
func TargetReached(dir db.Direction, price, target decimal.Decimal) bool {
	if dir == db.DirectionShort {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}

// LiquidationReached reports whether price crossed the liquidation level.
func LiquidationReached(dir db.Direction, price, liq decimal.Decimal) bool {
	if liq.IsZero() {
		return false
	}
	return StopTriggered(dir, price, liq)
}

// DistancePercent is |price-liq|/price in percent.
func DistancePercent(price, liq decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return price.Sub(liq).Abs().Div(price).Mul(hundred)
}
