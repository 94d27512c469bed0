package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	futures "position-core/pkg/exchanges/binance/futures_usdt"
)

// PremiumSource reports mark price and funding rate of a perpetual.
type PremiumSource interface {
	GetPremiumIndex(ctx context.Context, symbol string) (futures.PremiumIndex, error)
}

// FundingSettler accrues one funding payment into open positions.
type FundingSettler interface {
	ProcessFundingSettlement(ctx context.Context, symbol string, rate, markPrice decimal.Decimal) (int, error)
}

// FundingJob returns a scheduler function that fetches the current funding
// rate per symbol and hands it to the settler. Symbols fail independently.
func FundingJob(src PremiumSource, settler FundingSettler, symbols []string, logger *zap.Logger) func(context.Context) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) error {
		var errs []error
		for _, sym := range symbols {
			idx, err := src.GetPremiumIndex(ctx, sym)
			if err != nil {
				errs = append(errs, fmt.Errorf("premium index %s: %w", sym, err))
				continue
			}
			n, err := settler.ProcessFundingSettlement(ctx, sym, idx.LastFundingRate, idx.MarkPrice)
			if err != nil {
				errs = append(errs, fmt.Errorf("funding %s: %w", sym, err))
				continue
			}
			if n > 0 {
				logger.Info("funding accrued",
					zap.String("symbol", sym),
					zap.Int("positions", n),
					zap.String("rate", idx.LastFundingRate.String()),
					zap.String("mark", idx.MarkPrice.String()))
			}
		}
		return errors.Join(errs...)
	}
}
