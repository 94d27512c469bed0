package matching

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/balance"
	"position-core/internal/events"
	"position-core/internal/risk"
	"position-core/internal/state"
	"position-core/pkg/db"
)

// CloseRequest closes all or part of a position at Price.
type CloseRequest struct {
	PositionID string
	Price      decimal.Decimal
	Quantity   decimal.Decimal // zero closes the whole remaining size
	Reason     db.CloseReason

	// Ladder bookkeeping for take-profit closes. Level is 1-based; zero
	// means the close is not a ladder step.
	Level   int
	Percent decimal.Decimal

	// StopPrice is the level that fired, reported on SL_HIT.
	StopPrice decimal.Decimal
}

// CloseResult describes a committed close.
type CloseResult struct {
	Position    *db.Position
	Trade       db.Trade
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal // gross PnL minus the close fee
	Credited    decimal.Decimal // returned to a virtual balance
	Full        bool
}

// Flatten sends the exchange order for a live close. It runs under the
// position lock after the position was found open and before the close is
// recorded; an error aborts the close and leaves the position untouched.
type Flatten func(ctx context.Context, pos *db.Position, qty decimal.Decimal) error

// ClosePosition settles a close under the position lock. Virtual positions
// release margin into the account balance in the same transaction. Returns
// ErrPositionClosed when another close won.
func (e *Engine) ClosePosition(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	return e.CloseWith(ctx, req, nil)
}

// CloseWith is ClosePosition with an exchange step. The lock is held across
// flatten so concurrent closes of one position send at most one order.
func (e *Engine) CloseWith(ctx context.Context, req CloseRequest, flatten Flatten) (*CloseResult, error) {
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: close price must be positive", ErrInvalidOrder)
	}
	unlock := e.positions.Lock(req.PositionID)
	defer unlock()

	pos, open, err := e.positions.LoadOpen(ctx, e.db.Queries(), req.PositionID)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, ErrPositionClosed
	}

	req.Quantity = closeQuantity(pos, req.Quantity)
	if flatten != nil {
		if err := flatten(ctx, pos, req.Quantity); err != nil {
			return nil, err
		}
	}

	res, err := e.settle(ctx, pos, req)
	if err != nil {
		return nil, err
	}
	if res.Full {
		e.positions.MarkClosed(pos.ID)
	}
	e.emitClose(res, req)

	e.logger.Info("position closed",
		zap.String("position_id", pos.ID),
		zap.String("account_id", pos.AccountID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(req.Reason)),
		zap.Bool("full", res.Full),
		zap.String("qty", res.Quantity.String()),
		zap.String("realized_pnl", res.RealizedPnL.String()))
	return res, nil
}

// closeQuantity clamps a requested size to what is left; zero means all.
func closeQuantity(pos *db.Position, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() || qty.GreaterThanOrEqual(pos.FilledSize) {
		return pos.FilledSize
	}
	return qty
}

// settle computes and persists a close. The caller holds the position lock.
func (e *Engine) settle(ctx context.Context, pos *db.Position, req CloseRequest) (*CloseResult, error) {
	qty := closeQuantity(pos, req.Quantity)
	full := qty.Equal(pos.FilledSize)

	gross := risk.PnL(pos.Direction, pos.EntryPrice, req.Price, qty)
	release := pos.Margin
	if !full && pos.FilledSize.IsPositive() {
		release = pos.Margin.Mul(qty).Div(pos.FilledSize)
	}

	now := e.now()
	res := &CloseResult{Position: pos, Quantity: qty, Full: full}

	apply := func(q *db.Queries, exchange string) (decimal.Decimal, error) {
		fee := req.Price.Mul(qty).Mul(e.cfg.Fees.Rate(exchange, string(pos.Market), string(db.RoleTaker)))
		realized := gross.Sub(fee)

		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.FilledSize = pos.FilledSize.Sub(qty)
		pos.TotalSize = pos.TotalSize.Sub(qty)
		pos.Margin = pos.Margin.Sub(release)
		pos.CurrentPrice = req.Price
		pos.UpdatedAt = now
		if req.Level > pos.TakeProfitHits {
			pos.TakeProfitHits = req.Level
		}
		side := db.TradePartial
		if full {
			side = db.TradeClose
			pos.Status = db.StatusClosed
			pos.CloseReason = req.Reason
			pos.UnrealizedPnL = decimal.Zero
			pos.ClosedAt.Time, pos.ClosedAt.Valid = now, true
		} else {
			pos.UnrealizedPnL = risk.PnL(pos.Direction, pos.EntryPrice, req.Price, pos.FilledSize)
		}
		if err := q.UpdatePosition(ctx, pos); err != nil {
			return decimal.Zero, err
		}

		res.RealizedPnL = realized
		res.Trade = db.Trade{
			ID:          uuid.NewString(),
			PositionID:  pos.ID,
			AccountID:   pos.AccountID,
			Symbol:      pos.Symbol,
			Side:        side,
			Price:       req.Price,
			Quantity:    qty,
			Fee:         fee,
			FeeRole:     db.RoleTaker,
			RealizedPnL: realized,
			Reason:      string(req.Reason),
			CreatedAt:   now,
		}
		if err := q.CreateTrade(ctx, res.Trade); err != nil {
			return decimal.Zero, err
		}
		return realized, nil
	}

	if !pos.IsVirtual {
		err := e.db.InTx(ctx, func(q *db.Queries) error {
			exchange := ""
			if acct, err := q.GetAccount(ctx, pos.AccountID); err == nil {
				exchange = acct.Exchange
			}
			_, err := apply(q, exchange)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("record close %s: %w", pos.ID, err)
		}
		return res, nil
	}

	// Funding accrues on the position and is settled when the last unit closes.
	funding := decimal.Zero
	if full {
		funding = pos.FundingAccrued
	}
	err := e.ledger.Apply(ctx, pos.AccountID, func(q *db.Queries, acct *db.Account) error {
		realized, err := apply(q, acct.Exchange)
		if err != nil {
			return err
		}
		credit := decimal.Max(release.Add(realized).Sub(funding), decimal.Zero)
		balance.Credit(acct, credit)
		res.Credited = credit
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle close %s: %w", pos.ID, err)
	}
	return res, nil
}

func (e *Engine) emitClose(res *CloseResult, req CloseRequest) {
	pos := res.Position
	at := pos.UpdatedAt
	switch req.Reason {
	case db.CloseStopLoss, db.CloseTrailingStop:
		stop := req.StopPrice
		if stop.IsZero() && pos.StopLoss.Valid {
			stop = pos.StopLoss.Decimal
		}
		e.emit.Emit(events.For(pos, events.StopLossHit{
			Price:       req.Price,
			StopPrice:   stop,
			Quantity:    res.Quantity,
			RealizedPnL: res.RealizedPnL,
			Trailing:    req.Reason == db.CloseTrailingStop,
		}, at))
	case db.CloseTakeProfit:
		e.emit.Emit(events.For(pos, events.TakeProfitHit{
			Price:       req.Price,
			Quantity:    res.Quantity,
			Percent:     req.Percent,
			Level:       req.Level,
			RealizedPnL: res.RealizedPnL,
			Remaining:   pos.FilledSize,
		}, at))
	}
	if res.Full {
		e.emit.Emit(events.For(pos, events.PositionClosed{
			ExitPrice:   req.Price,
			Quantity:    res.Quantity,
			RealizedPnL: pos.RealizedPnL,
			Fee:         res.Trade.Fee,
			Reason:      string(req.Reason),
		}, at))
	}
}

// RefreshPrice records a mark price for an open position. It is a no-op once
// the position is closed and reports whether anything was written.
func (e *Engine) RefreshPrice(ctx context.Context, positionID string, price decimal.Decimal) (bool, error) {
	if e.positions.IsClosed(positionID) {
		return false, nil
	}
	unlock := e.positions.Lock(positionID)
	defer unlock()

	pos, err := state.Load(ctx, e.db.Queries(), positionID)
	if err != nil {
		return false, err
	}
	if !pos.IsOpen() {
		e.positions.MarkClosed(positionID)
		return false, nil
	}
	unrealized := risk.PnL(pos.Direction, pos.EntryPrice, price, pos.FilledSize)
	return e.db.Queries().UpdatePositionPrice(ctx, positionID, price, unrealized)
}
