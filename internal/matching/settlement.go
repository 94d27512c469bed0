package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/events"
	"position-core/internal/risk"
	"position-core/pkg/db"
)

// ProcessSLTP closes virtual positions on the tick's symbol whose stop-loss,
// take-profit or liquidation level was crossed, checked in that order. A
// linked signal's stop and ladder take precedence over the position's own.
// Multi-step ladders are left to the monitor. Positions that do not trigger
// get their mark price refreshed.
func (e *Engine) ProcessSLTP(ctx context.Context, tick events.PriceTick) (int, error) {
	q := e.db.Queries()
	virtual := true
	positions, err := q.ListPositions(ctx, db.PositionFilter{
		Symbol:  tick.Symbol,
		Status:  db.StatusOpen,
		Virtual: &virtual,
	})
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}
	signals, err := q.ListOpenSignals(ctx, tick.Symbol)
	if err != nil {
		return 0, fmt.Errorf("list signals: %w", err)
	}

	closed := 0
	var errs []error
	for i := range positions {
		p := &positions[i]
		if !p.AutoManaged() {
			continue
		}
		req, ok := exitFor(p, risk.ResolveTargets(p, signals[p.ID]), tick.Price)
		if !ok {
			if _, err := e.RefreshPrice(ctx, p.ID, tick.Price); err != nil {
				errs = append(errs, fmt.Errorf("refresh %s: %w", p.ID, err))
			}
			continue
		}
		_, err := e.ClosePosition(ctx, req)
		if errors.Is(err, ErrPositionClosed) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.ID, err))
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

func exitFor(p *db.Position, targets risk.Targets, price decimal.Decimal) (CloseRequest, bool) {
	if stop := risk.EffectiveStop(p, targets); stop.Valid && risk.StopTriggered(p.Direction, price, stop.Decimal) {
		reason := db.CloseStopLoss
		if p.Trailing != nil && p.Trailing.Activated {
			reason = db.CloseTrailingStop
		}
		return CloseRequest{PositionID: p.ID, Price: price, Reason: reason, StopPrice: stop.Decimal}, true
	}
	if len(targets.Ladder) == 1 && p.TakeProfitHits == 0 && risk.TargetReached(p.Direction, price, targets.Ladder[0].Price) {
		return CloseRequest{PositionID: p.ID, Price: price, Reason: db.CloseTakeProfit, Level: 1, Percent: hundred}, true
	}
	if p.Market == db.MarketFutures && risk.LiquidationReached(p.Direction, price, p.LiquidationPrice) {
		return CloseRequest{PositionID: p.ID, Price: p.LiquidationPrice, Reason: db.CloseLiquidation}, true
	}
	return CloseRequest{}, false
}

// ProcessFundingSettlement accrues one funding payment into every open
// virtual futures position on symbol whose last settlement is at least one
// interval old. payment = size × mark × rate × sign; positive means the
// position pays. The balance is settled when the position closes.
func (e *Engine) ProcessFundingSettlement(ctx context.Context, symbol string, rate, markPrice decimal.Decimal) (int, error) {
	if !markPrice.IsPositive() {
		return 0, fmt.Errorf("%w: mark price must be positive", ErrInvalidOrder)
	}
	virtual := true
	positions, err := e.db.Queries().ListPositions(ctx, db.PositionFilter{
		Symbol:  symbol,
		Status:  db.StatusOpen,
		Virtual: &virtual,
	})
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}

	settled := 0
	var errs []error
	for _, p := range positions {
		if p.Market != db.MarketFutures {
			continue
		}
		ok, err := e.settleFunding(ctx, p.ID, rate, markPrice)
		if err != nil {
			errs = append(errs, fmt.Errorf("funding %s: %w", p.ID, err))
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, errors.Join(errs...)
}

func (e *Engine) settleFunding(ctx context.Context, positionID string, rate, mark decimal.Decimal) (bool, error) {
	unlock := e.positions.Lock(positionID)
	defer unlock()

	q := e.db.Queries()
	p, open, err := e.positions.LoadOpen(ctx, q, positionID)
	if err != nil || !open {
		return false, err
	}
	now := e.now()
	last := p.CreatedAt
	if p.LastFundingAt.Valid {
		last = p.LastFundingAt.Time
	}
	if now.Sub(last) < e.cfg.FundingInterval {
		return false, nil
	}

	payment := p.FilledSize.Mul(mark).Mul(rate).Mul(p.Direction.Sign())
	p.FundingAccrued = p.FundingAccrued.Add(payment)
	p.LastFundingAt.Time, p.LastFundingAt.Valid = now, true
	p.UpdatedAt = now
	if err := q.UpdatePosition(ctx, p); err != nil {
		return false, err
	}
	e.logger.Debug("funding accrued",
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("rate", rate.String()),
		zap.String("payment", payment.String()))
	return true, nil
}
