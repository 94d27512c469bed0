package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrLimitExceeded wraps every pre-trade rejection.
var ErrLimitExceeded = errors.New("order outside risk limits")

// Limits bound what a single virtual order may open. Zero values disable a check.
type Limits struct {
	MaxLeverage int
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal
}

// DefaultLimits allows leverage up to 125 and any notional.
func DefaultLimits() Limits {
	return Limits{MaxLeverage: 125}
}

// CheckOrder validates leverage and notional before any balance is touched.
func (l Limits) CheckOrder(notional decimal.Decimal, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("%w: leverage %d below 1", ErrLimitExceeded, leverage)
	}
	if l.MaxLeverage > 0 && leverage > l.MaxLeverage {
		return fmt.Errorf("%w: leverage %d above %d", ErrLimitExceeded, leverage, l.MaxLeverage)
	}
	if l.MinNotional.IsPositive() && notional.LessThan(l.MinNotional) {
		return fmt.Errorf("%w: notional %s below %s", ErrLimitExceeded, notional.StringFixed(2), l.MinNotional)
	}
	if l.MaxNotional.IsPositive() && notional.GreaterThan(l.MaxNotional) {
		return fmt.Errorf("%w: notional %s above %s", ErrLimitExceeded, notional.StringFixed(2), l.MaxNotional)
	}
	return nil
}
