// Package matching simulates order execution and settlement for virtual
// accounts and persists closes for every position the platform manages.
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
	"position-core/internal/risk"
	"position-core/internal/state"
	"position-core/pkg/config"
	"position-core/pkg/db"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrOrderNotFound  = errors.New("order not found")
	ErrPositionClosed = errors.New("position already closed")

	// Re-exported so API callers need only this package.
	ErrInsufficientBalance = balance.ErrInsufficientBalance
	ErrAccountNotFound     = balance.ErrAccountNotFound
	ErrPositionNotFound    = state.ErrPositionNotFound
)

var hundred = decimal.NewFromInt(100)

// Config holds the economic parameters of the simulator.
type Config struct {
	Fees              config.FeeSchedule
	SlippagePct       decimal.Decimal // percent of price, 0.05 = 0.05%
	MaintenanceMargin decimal.Decimal // fraction, 0.005 = 0.5%
	FundingInterval   time.Duration
	Limits            risk.Limits
}

// Engine is the virtual matching engine.
type Engine struct {
	db        *db.Database
	ledger    *balance.Ledger
	positions *state.Registry
	cfg       Config
	emit      events.Emitter
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine wires the engine. emit and logger may be nil.
func NewEngine(database *db.Database, ledger *balance.Ledger, positions *state.Registry, cfg Config, emit events.Emitter, logger *zap.Logger) *Engine {
	if emit == nil {
		emit = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FundingInterval <= 0 {
		cfg.FundingInterval = 8 * time.Hour
	}
	if cfg.Limits.MaxLeverage == 0 {
		cfg.Limits = risk.DefaultLimits()
	}
	return &Engine{
		db:        database,
		ledger:    ledger,
		positions: positions,
		cfg:       cfg,
		emit:      emit,
		logger:    logger.Named("matching"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// MarketOrderRequest opens a virtual position at the current price.
type MarketOrderRequest struct {
	AccountID        string
	Symbol           string
	Direction        db.Direction
	Market           db.Market
	Quantity         decimal.Decimal
	Leverage         int
	CurrentPrice     decimal.Decimal
	StopLoss         decimal.NullDecimal
	TakeProfit       decimal.NullDecimal
	TakeProfitLevels []db.TakeProfitLevel
	Trailing         *db.TrailingStop
	MaxHold          time.Duration
}

// Fill is the outcome of an executed order.
type Fill struct {
	Position *db.Position
	Trade    db.Trade
	Margin   decimal.Decimal
	Balance  decimal.Decimal // balance after the debit
}

// SlippedPrice moves price against the taker: LONG pays more, SHORT receives less.
func (e *Engine) SlippedPrice(dir db.Direction, price decimal.Decimal) decimal.Decimal {
	frac := e.cfg.SlippagePct.Div(hundred)
	if dir == db.DirectionShort {
		return price.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return price.Mul(decimal.NewFromInt(1).Add(frac))
}

// ExecuteMarketOrder fills immediately with slippage and a taker fee. The
// debit, the position and the opening trade commit together or not at all.
func (e *Engine) ExecuteMarketOrder(ctx context.Context, req MarketOrderRequest) (*Fill, error) {
	req.Market = normalizeMarket(req.Market)
	if err := validateOpen(req.Direction, req.Market, req.Quantity, req.CurrentPrice, &req.Leverage); err != nil {
		return nil, err
	}
	if !risk.ValidTrailing(req.Trailing) || !risk.ValidLadder(req.Direction, req.TakeProfitLevels) {
		return nil, fmt.Errorf("%w: malformed trailing stop or take-profit ladder", ErrInvalidOrder)
	}

	price := e.SlippedPrice(req.Direction, req.CurrentPrice)
	notional := price.Mul(req.Quantity)
	if err := e.cfg.Limits.CheckOrder(notional, req.Leverage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	margin := notional.Div(decimal.NewFromInt(int64(req.Leverage)))

	now := e.now()
	pos := e.newPosition(req.AccountID, req.Symbol, req.Direction, req.Market, req.Quantity, req.Leverage, price, margin, now)
	pos.StopLoss = req.StopLoss
	pos.TakeProfit = req.TakeProfit
	pos.TakeProfitLevels = req.TakeProfitLevels
	pos.Trailing = req.Trailing.Clone()
	if req.MaxHold > 0 {
		pos.MaxHoldUntil.Time, pos.MaxHoldUntil.Valid = now.Add(req.MaxHold), true
	}

	fill, err := e.open(ctx, pos, db.RoleTaker, notional, "")
	if err != nil {
		return nil, err
	}
	e.logger.Info("market order filled",
		zap.String("account_id", req.AccountID),
		zap.String("position_id", pos.ID),
		zap.String("symbol", req.Symbol),
		zap.String("direction", string(req.Direction)),
		zap.String("price", price.String()),
		zap.String("fee", fill.Trade.Fee.String()))
	return fill, nil
}

func (e *Engine) newPosition(accountID, symbol string, dir db.Direction, market db.Market, qty decimal.Decimal, leverage int, price, margin decimal.Decimal, now time.Time) *db.Position {
	p := &db.Position{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Symbol:       symbol,
		Direction:    dir,
		Status:       db.StatusOpen,
		Market:       market,
		TotalSize:    qty,
		FilledSize:   qty,
		EntryPrice:   price,
		CurrentPrice: price,
		Leverage:     leverage,
		Margin:       margin,
		Source:       db.SourcePlatform,
		IsVirtual:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if market == db.MarketFutures {
		p.LiquidationPrice = risk.LiquidationPrice(dir, price, leverage, e.cfg.MaintenanceMargin)
	}
	return p
}

// open debits margin+fee and persists pos with its opening trade. When
// orderID is set the pending order is flipped to FILLED in the same
// transaction, which fails the whole fill if the order already moved on.
func (e *Engine) open(ctx context.Context, pos *db.Position, role db.FeeRole, notional decimal.Decimal, orderID string) (*Fill, error) {
	fill := &Fill{Position: pos, Margin: pos.Margin}
	err := e.ledger.Apply(ctx, pos.AccountID, func(q *db.Queries, acct *db.Account) error {
		if !acct.IsVirtual {
			return fmt.Errorf("%w: account %s is not virtual", ErrInvalidOrder, acct.ID)
		}
		fee := notional.Mul(e.cfg.Fees.Rate(acct.Exchange, string(pos.Market), string(role)))
		if err := balance.Debit(acct, pos.Margin.Add(fee)); err != nil {
			return err
		}
		if orderID != "" {
			ok, err := q.TransitionVirtualOrder(ctx, orderID, db.OrderFilled, pos.ID, "")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: order %s is no longer pending", ErrInvalidOrder, orderID)
			}
		}
		if err := q.CreatePosition(ctx, pos); err != nil {
			return err
		}
		fill.Trade = db.Trade{
			ID:         uuid.NewString(),
			PositionID: pos.ID,
			AccountID:  pos.AccountID,
			Symbol:     pos.Symbol,
			Side:       db.TradeOpen,
			Price:      pos.EntryPrice,
			Quantity:   pos.FilledSize,
			Fee:        fee,
			FeeRole:    role,
			CreatedAt:  pos.CreatedAt,
		}
		if err := q.CreateTrade(ctx, fill.Trade); err != nil {
			return err
		}
		fill.Balance = acct.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit.Emit(events.For(pos, events.OrderFilled{
		OrderID:  orderID,
		Price:    pos.EntryPrice,
		Quantity: pos.FilledSize,
		Fee:      fill.Trade.Fee,
		Role:     string(role),
	}, pos.CreatedAt))
	e.emit.Emit(events.For(pos, events.PositionOpened{
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.FilledSize,
		Leverage:   pos.Leverage,
		Margin:     pos.Margin,
		Source:     string(pos.Source),
	}, pos.CreatedAt))
	return fill, nil
}

func normalizeMarket(m db.Market) db.Market {
	if m == "" {
		return db.MarketFutures
	}
	return m
}

func validateOpen(dir db.Direction, market db.Market, qty, price decimal.Decimal, leverage *int) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: direction %q", ErrInvalidOrder, dir)
	}
	if market != db.MarketFutures && market != db.MarketSpot {
		return fmt.Errorf("%w: market %q", ErrInvalidOrder, market)
	}
	if market == db.MarketSpot {
		if dir == db.DirectionShort {
			return fmt.Errorf("%w: spot positions cannot be short", ErrInvalidOrder)
		}
		*leverage = 1
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	return nil
}
