package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"position-core/internal/monitor"
	"position-core/internal/notify"
	"position-core/internal/scheduler"
	"position-core/pkg/db"
)

// MarketOrder opens a virtual position at the oracle price.
type MarketOrder struct {
	AccountID        string
	Symbol           string
	Direction        db.Direction
	Market           db.Market
	Quantity         decimal.Decimal
	Leverage         int
	StopLoss         decimal.NullDecimal
	TakeProfit       decimal.NullDecimal
	TakeProfitLevels []db.TakeProfitLevel
	Trailing         *TrailingSpec
	MaxHold          time.Duration
}

// LimitOrder rests until price crosses LimitPrice.
type LimitOrder struct {
	AccountID  string
	Symbol     string
	Direction  db.Direction
	Market     db.Market
	Quantity   decimal.Decimal
	Leverage   int
	LimitPrice decimal.Decimal
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	ExpiresIn  time.Duration
}

// TrailingSpec asks for a trailing stop. Missing fields fall back to the
// configured defaults.
type TrailingSpec struct {
	Type       db.TrailingType
	Distance   decimal.NullDecimal
	Activation decimal.NullDecimal
}

// EscortParams are the user's choices when confirming or editing an escort.
type EscortParams struct {
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	Trailing   *TrailingSpec
}

// PositionQuery filters ListPositions.
type PositionQuery struct {
	AccountID string
	Symbol    string
	Status    db.PositionStatus
	Source    db.Source
}

// Position is the API view of a position.
type Position struct {
	ID                 string               `json:"id"`
	AccountID          string               `json:"account_id"`
	Symbol             string               `json:"symbol"`
	Direction          db.Direction         `json:"direction"`
	Status             db.PositionStatus    `json:"status"`
	Market             db.Market            `json:"market"`
	Source             db.Source            `json:"source"`
	IsVirtual          bool                 `json:"is_virtual"`
	TotalSize          decimal.Decimal      `json:"total_size"`
	FilledSize         decimal.Decimal      `json:"filled_size"`
	EntryPrice         decimal.Decimal      `json:"entry_price"`
	CurrentPrice       decimal.Decimal      `json:"current_price"`
	Leverage           int                  `json:"leverage"`
	Margin             decimal.Decimal      `json:"margin"`
	LiquidationPrice   decimal.Decimal      `json:"liquidation_price"`
	StopLoss           *decimal.Decimal     `json:"stop_loss,omitempty"`
	TakeProfit         *decimal.Decimal     `json:"take_profit,omitempty"`
	TakeProfitLevels   []db.TakeProfitLevel `json:"take_profit_levels,omitempty"`
	TakeProfitHits     int                  `json:"take_profit_hits"`
	Trailing           *db.TrailingStop     `json:"trailing,omitempty"`
	RealizedPnL        decimal.Decimal      `json:"realized_pnl"`
	UnrealizedPnL      decimal.Decimal      `json:"unrealized_pnl"`
	FundingAccrued     decimal.Decimal      `json:"funding_accrued"`
	EscortEnabled      bool                 `json:"escort_enabled"`
	EscortStatus       db.EscortStatus      `json:"escort_status,omitempty"`
	ExchangePositionID string               `json:"exchange_position_id,omitempty"`
	SignalID           string               `json:"signal_id,omitempty"`
	MaxHoldUntil       *time.Time           `json:"max_hold_until,omitempty"`
	CloseReason        db.CloseReason       `json:"close_reason,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
	ClosedAt           *time.Time           `json:"closed_at,omitempty"`
}

// Trade is the API view of a fill.
type Trade struct {
	ID          string          `json:"id"`
	Side        db.TradeSide    `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	FeeRole     db.FeeRole      `json:"fee_role"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PositionDetail is a position with its trade history.
type PositionDetail struct {
	Position
	Trades []Trade `json:"trades"`
}

// Order is the API view of a virtual limit order.
type Order struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	Symbol       string           `json:"symbol"`
	Direction    db.Direction     `json:"direction"`
	Market       db.Market        `json:"market"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Leverage     int              `json:"leverage"`
	LimitPrice   decimal.Decimal  `json:"limit_price"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	Status       db.OrderStatus   `json:"status"`
	PositionID   string           `json:"position_id,omitempty"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// SyncReport is the API view of one reconciliation cycle.
type SyncReport struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Accounts   int               `json:"accounts"`
	Created    int               `json:"created"`
	Closed     int               `json:"closed"`
	Refreshed  int               `json:"refreshed"`
	Skipped    int               `json:"skipped"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// BalanceInfo represents account balance information.
type BalanceInfo struct {
	AccountID     string          `json:"account_id"`
	IsVirtual     bool            `json:"is_virtual"`
	Available     decimal.Decimal `json:"available"`
	Locked        decimal.Decimal `json:"locked"`
	Unrealized    decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	OpenPositions int             `json:"open_positions"`
}

// SystemStatus represents system status information.
type SystemStatus struct {
	Version        string                  `json:"version"`
	StartedAt      time.Time               `json:"started_at"`
	Uptime         string                  `json:"uptime"`
	UseMockFeed    bool                    `json:"use_mock_feed"`
	Symbols        []string                `json:"symbols"`
	OpenPositions  int                     `json:"open_positions"`
	PendingEscorts int                     `json:"pending_escorts"`
	LastSync       *SyncReport             `json:"last_sync,omitempty"`
	DroppedEvents  uint64                  `json:"dropped_events"`
	Notifications  *notify.Stats           `json:"notifications,omitempty"`
	Tasks          []scheduler.Stats       `json:"tasks,omitempty"`
	Metrics        monitor.MetricsSnapshot `json:"metrics"`
}

func optionalDecimal(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d := v.Decimal
	return &d
}

func toPosition(p *db.Position) Position {
	out := Position{
		ID:                 p.ID,
		AccountID:          p.AccountID,
		Symbol:             p.Symbol,
		Direction:          p.Direction,
		Status:             p.Status,
		Market:             p.Market,
		Source:             p.Source,
		IsVirtual:          p.IsVirtual,
		TotalSize:          p.TotalSize,
		FilledSize:         p.FilledSize,
		EntryPrice:         p.EntryPrice,
		CurrentPrice:       p.CurrentPrice,
		Leverage:           p.Leverage,
		Margin:             p.Margin,
		LiquidationPrice:   p.LiquidationPrice,
		StopLoss:           optionalDecimal(p.StopLoss),
		TakeProfit:         optionalDecimal(p.TakeProfit),
		TakeProfitLevels:   p.TakeProfitLevels,
		TakeProfitHits:     p.TakeProfitHits,
		Trailing:           p.Trailing,
		RealizedPnL:        p.RealizedPnL,
		UnrealizedPnL:      p.UnrealizedPnL,
		FundingAccrued:     p.FundingAccrued,
		EscortEnabled:      p.EscortEnabled,
		EscortStatus:       p.EscortStatus,
		ExchangePositionID: p.ExchangePositionID,
		SignalID:           p.SignalID,
		CloseReason:        p.CloseReason,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	if p.MaxHoldUntil.Valid {
		t := p.MaxHoldUntil.Time
		out.MaxHoldUntil = &t
	}
	if p.ClosedAt.Valid {
		t := p.ClosedAt.Time
		out.ClosedAt = &t
	}
	return out
}

func toTrade(t db.Trade) Trade {
	return Trade{
		ID:          t.ID,
		Side:        t.Side,
		Price:       t.Price,
		Quantity:    t.Quantity,
		Fee:         t.Fee,
		FeeRole:     t.FeeRole,
		RealizedPnL: t.RealizedPnL,
		Reason:      t.Reason,
		CreatedAt:   t.CreatedAt,
	}
}

func toOrder(o *db.VirtualOrder) Order {
	out := Order{
		ID:           o.ID,
		AccountID:    o.AccountID,
		Symbol:       o.Symbol,
		Direction:    o.Direction,
		Market:       o.Market,
		Quantity:     o.Quantity,
		Leverage:     o.Leverage,
		LimitPrice:   o.LimitPrice,
		StopLoss:     optionalDecimal(o.StopLoss),
		TakeProfit:   optionalDecimal(o.TakeProfit),
		Status:       o.Status,
		PositionID:   o.PositionID,
		CancelReason: o.CancelReason,
		CreatedAt:    o.CreatedAt,
	}
	if o.ExpiresAt.Valid {
		t := o.ExpiresAt.Time
		out.ExpiresAt = &t
	}
	return out
}

func toSyncReport(r db.SyncReport) SyncReport {
	return SyncReport{
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Accounts:   r.Accounts,
		Created:    r.Created,
		Closed:     r.Closed,
		Refreshed:  r.Refreshed,
		Skipped:    r.Skipped,
		Errors:     r.Errors,
	}
}
