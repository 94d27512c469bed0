package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// PositionSide is the direction of an exchange position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// CloseSide returns the order side that reduces a position of this direction.
func (p PositionSide) CloseSide() Side {
	if p == PositionShort {
		return SideBuy
	}
	return SideSell
}

// ExchangePosition is a venue-reported open position.
type ExchangePosition struct {
	Symbol           string
	Direction        PositionSide
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
	MarginMode       string
	LiquidationPrice decimal.NullDecimal
	PositionID       string
	UpdatedAt        time.Time
}

// ClosePositionRequest asks the venue to flatten (part of) a position.
type ClosePositionRequest struct {
	Symbol       string
	PositionSide PositionSide
	Quantity     decimal.Decimal
	Market       bool
}

// Ticker is the latest traded price of a symbol.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Time      time.Time
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          decimal.Decimal
	Price        decimal.Decimal // required for LIMIT
	ClientID     string          // optional client order id
	ReduceOnly   bool
	PositionSide string // LONG/SHORT for hedge mode futures
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}

// ErrExchangeAPI is matched by every venue-side failure.
var ErrExchangeAPI = errors.New("exchange api error")

// APIError carries the HTTP status and venue error code of a failed call.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error: status=%d code=%d msg=%s", e.Status, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error { return ErrExchangeAPI }

// Retryable reports whether the call may succeed on a later tick.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || e.Status == 418 || e.Status >= 500
}
