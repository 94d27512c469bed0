package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/balance"
	"position-core/internal/events"
	"position-core/pkg/db"
)

// LimitOrderRequest rests a virtual order until price crosses LimitPrice.
type LimitOrderRequest struct {
	AccountID  string
	Symbol     string
	Direction  db.Direction
	Market     db.Market
	Quantity   decimal.Decimal
	Leverage   int
	LimitPrice decimal.Decimal
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	ExpiresIn  time.Duration // zero rests until cancelled
}

// CreateLimitOrder checks the account could afford the fill today and stores
// a PENDING order. Nothing is reserved; the balance is checked again at fill.
func (e *Engine) CreateLimitOrder(ctx context.Context, req LimitOrderRequest) (*db.VirtualOrder, error) {
	req.Market = normalizeMarket(req.Market)
	if err := validateOpen(req.Direction, req.Market, req.Quantity, req.LimitPrice, &req.Leverage); err != nil {
		return nil, err
	}
	notional := req.LimitPrice.Mul(req.Quantity)
	if err := e.cfg.Limits.CheckOrder(notional, req.Leverage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	margin := notional.Div(decimal.NewFromInt(int64(req.Leverage)))

	now := e.now()
	order := &db.VirtualOrder{
		ID:         uuid.NewString(),
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Market:     req.Market,
		Quantity:   req.Quantity,
		Leverage:   req.Leverage,
		LimitPrice: req.LimitPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     db.OrderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.ExpiresIn > 0 {
		order.ExpiresAt.Time, order.ExpiresAt.Valid = now.Add(req.ExpiresIn), true
	}

	err := e.ledger.Apply(ctx, req.AccountID, func(q *db.Queries, acct *db.Account) error {
		if !acct.IsVirtual {
			return fmt.Errorf("%w: account %s is not virtual", ErrInvalidOrder, acct.ID)
		}
		fee := notional.Mul(e.cfg.Fees.Rate(acct.Exchange, string(req.Market), string(db.RoleMaker)))
		if need := margin.Add(fee); acct.Balance.LessThan(need) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, need, acct.Balance)
		}
		return q.CreateVirtualOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("limit order placed",
		zap.String("account_id", req.AccountID),
		zap.String("order_id", order.ID),
		zap.String("symbol", req.Symbol),
		zap.String("limit", req.LimitPrice.String()))
	return order, nil
}

// CancelLimitOrder moves a PENDING order to CANCELLED.
func (e *Engine) CancelLimitOrder(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	q := e.db.Queries()
	ok, err := q.TransitionVirtualOrder(ctx, orderID, db.OrderCancelled, "", reason)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	o, err := q.GetVirtualOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, orderID, o.Status)
}

// crossed reports whether a tick reaches a resting limit: buys fill at or
// below the limit, sells at or above.
func crossed(o db.VirtualOrder, price decimal.Decimal) bool {
	if o.Direction == db.DirectionShort {
		return price.GreaterThanOrEqual(o.LimitPrice)
	}
	return price.LessThanOrEqual(o.LimitPrice)
}

// ProcessLimitOrders matches PENDING orders on the tick's symbol. Fills use
// the limit price, the maker rate and no slippage. One order failing does not
// stop the others; the failures are joined into the returned error.
func (e *Engine) ProcessLimitOrders(ctx context.Context, tick events.PriceTick) (int, error) {
	pending, err := e.db.Queries().ListPendingOrders(ctx, tick.Symbol)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	filled := 0
	var errs []error
	now := e.now()
	for _, o := range pending {
		if o.ExpiresAt.Valid && !now.Before(o.ExpiresAt.Time) {
			if _, err := e.db.Queries().TransitionVirtualOrder(ctx, o.ID, db.OrderExpired, "", "expired"); err != nil {
				errs = append(errs, fmt.Errorf("expire %s: %w", o.ID, err))
			}
			continue
		}
		if !crossed(o, tick.Price) {
			continue
		}
		if err := e.fillLimit(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("fill %s: %w", o.ID, err))
			continue
		}
		filled++
	}
	return filled, errors.Join(errs...)
}

func (e *Engine) fillLimit(ctx context.Context, o db.VirtualOrder) error {
	notional := o.LimitPrice.Mul(o.Quantity)
	margin := notional.Div(decimal.NewFromInt(int64(o.Leverage)))
	pos := e.newPosition(o.AccountID, o.Symbol, o.Direction, o.Market, o.Quantity, o.Leverage, o.LimitPrice, margin, e.now())
	pos.StopLoss = o.StopLoss
	pos.TakeProfit = o.TakeProfit

	_, err := e.open(ctx, pos, db.RoleMaker, notional, o.ID)
	if errors.Is(err, balance.ErrInsufficientBalance) || errors.Is(err, balance.ErrAccountNotFound) {
		e.logger.Warn("limit order cancelled at fill",
			zap.String("order_id", o.ID),
			zap.String("account_id", o.AccountID),
			zap.Error(err))
		_, terr := e.db.Queries().TransitionVirtualOrder(ctx, o.ID, db.OrderCancelled, "", err.Error())
		return terr
	}
	if err != nil {
		return err
	}
	e.logger.Info("limit order filled",
		zap.String("order_id", o.ID),
		zap.String("position_id", pos.ID),
		zap.String("symbol", o.Symbol),
		zap.String("price", o.LimitPrice.String()))
	return nil
}
