package events

import (
	"time"

	"github.com/shopspring/decimal"

	"position-core/pkg/db"
)

// Kind tags a lifecycle event.
type Kind string

const (
	KindOrderFilled        Kind = "ORDER_FILLED"
	KindTakeProfitHit      Kind = "TP_HIT"
	KindStopLossHit        Kind = "SL_HIT"
	KindLiquidationWarning Kind = "LIQUIDATION_WARNING"
	KindPositionOpened     Kind = "POSITION_OPENED"
	KindPositionClosed     Kind = "POSITION_CLOSED"
	KindEscortRequest      Kind = "ESCORT_REQUEST"
	KindEscortStarted      Kind = "ESCORT_STARTED"
	KindEscortDeclined     Kind = "ESCORT_DECLINED"
)

// PriceTick is a price observation published by a market feed.
type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// Payload is the kind-specific body of a lifecycle event. Only the types in
// this file implement it.
type Payload interface {
	Kind() Kind
}

// Lifecycle is one position lifecycle transition.
type Lifecycle struct {
	PositionID string    `json:"position_id"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	At         time.Time `json:"at"`
	Payload    Payload   `json:"data"`
}

// Kind returns the tag of the payload.
func (l Lifecycle) Kind() Kind {
	if l.Payload == nil {
		return ""
	}
	return l.Payload.Kind()
}

// For builds an event addressed to position p.
func For(p *db.Position, payload Payload, at time.Time) Lifecycle {
	return Lifecycle{
		PositionID: p.ID,
		AccountID:  p.AccountID,
		Symbol:     p.Symbol,
		Direction:  string(p.Direction),
		At:         at,
		Payload:    payload,
	}
}

// OrderFilled reports an executed order.
type OrderFilled struct {
	OrderID  string          `json:"order_id,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
	Role     string          `json:"role"`
}

// PositionOpened reports a new position.
type PositionOpened struct {
	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Leverage   int             `json:"leverage"`
	Margin     decimal.Decimal `json:"margin"`
	Source     string          `json:"source"`
}

// PositionClosed reports a full close.
type PositionClosed struct {
	ExitPrice   decimal.Decimal `json:"exit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Fee         decimal.Decimal `json:"fee"`
	Reason      string          `json:"reason"`
}

// TakeProfitHit reports a take-profit level, partial or final.
type TakeProfitHit struct {
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Percent     decimal.Decimal `json:"percent"`
	Level       int             `json:"level"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Remaining   decimal.Decimal `json:"remaining"`
}

// StopLossHit reports a stop-loss or trailing-stop exit.
type StopLossHit struct {
	Price       decimal.Decimal `json:"price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Trailing    bool            `json:"trailing"`
}

// LiquidationWarning reports price approaching the liquidation price.
type LiquidationWarning struct {
	Price            decimal.Decimal `json:"price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	DistancePercent  decimal.Decimal `json:"distance_percent"`
	Leverage         int             `json:"leverage"`
}

// EscortRequest asks the owner to confirm management of an external position.
type EscortRequest struct {
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	Leverage   int             `json:"leverage"`
	Actions    []string        `json:"actions"`
}

// EscortStarted confirms auto-management of an external position.
type EscortStarted struct {
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Trailing   string           `json:"trailing,omitempty"`
}

// EscortDeclined confirms an external position is left unmanaged.
type EscortDeclined struct{}

func (OrderFilled) Kind() Kind        { return KindOrderFilled }
func (PositionOpened) Kind() Kind     { return KindPositionOpened }
func (PositionClosed) Kind() Kind     { return KindPositionClosed }
func (TakeProfitHit) Kind() Kind      { return KindTakeProfitHit }
func (StopLossHit) Kind() Kind        { return KindStopLossHit }
func (LiquidationWarning) Kind() Kind { return KindLiquidationWarning }
func (EscortRequest) Kind() Kind      { return KindEscortRequest }
func (EscortStarted) Kind() Kind      { return KindEscortStarted }
func (EscortDeclined) Kind() Kind     { return KindEscortDeclined }

// Escort actions offered with an EscortRequest.
const (
	ActionAccept    = "accept"
	ActionDecline   = "decline"
	ActionConfigure = "configure"
)

// Emitter accepts lifecycle events. Implementations must not block the caller.
type Emitter interface {
	Emit(Lifecycle)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Lifecycle)

// Emit calls f.
func (f EmitterFunc) Emit(l Lifecycle) { f(l) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Lifecycle) {})
