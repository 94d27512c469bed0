package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign returns +1 for LONG and -1 for SHORT.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionStatus is OPEN or CLOSED. There is no transition out of CLOSED.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Source tells whether a position was opened by the platform or discovered on an exchange.
type Source string

const (
	SourcePlatform Source = "PLATFORM"
	SourceExternal Source = "EXTERNAL"
)

// EscortStatus tracks the confirmation workflow of an EXTERNAL position.
type EscortStatus string

const (
	EscortNone                EscortStatus = ""
	EscortPendingConfirmation EscortStatus = "PENDING_CONFIRMATION"
	EscortEscorting           EscortStatus = "ESCORTING"
	EscortIgnored             EscortStatus = "IGNORED"
	EscortClosedExternally    EscortStatus = "CLOSED_EXTERNALLY"
	EscortManualClose         EscortStatus = "MANUAL_CLOSE"
	EscortSLHit               EscortStatus = "SL_HIT"
	EscortTPHit               EscortStatus = "TP_HIT"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "STOP_LOSS"
	CloseTakeProfit   CloseReason = "TAKE_PROFIT"
	CloseTrailingStop CloseReason = "TRAILING_STOP"
	CloseLiquidation  CloseReason = "LIQUIDATION"
	CloseTimeExit     CloseReason = "TIME_EXIT"
	CloseExternal     CloseReason = "EXTERNAL_CLOSE"
	CloseManual       CloseReason = "MANUAL"
)

// Market separates spot from derivatives for fee lookup.
type Market string

const (
	MarketSpot    Market = "SPOT"
	MarketFutures Market = "FUTURES"
)

// TrailingType selects how a trailing stop follows price.
type TrailingType string

const (
	TrailingPercent   TrailingType = "PERCENT"
	TrailingFixed     TrailingType = "FIXED"
	TrailingBreakeven TrailingType = "BREAKEVEN"
)

// TrailingStop describes a stop that tightens as price moves favorably.
// Distance is a percent for PERCENT, a price offset for FIXED and a
// percent offset from entry for BREAKEVEN.
type TrailingStop struct {
	Type              TrailingType    `json:"type"`
	Distance          decimal.Decimal `json:"distance"`
	ActivationPercent decimal.Decimal `json:"activation_percent"`
	Activated         bool            `json:"activated"`
	HighWater         decimal.Decimal `json:"high_water"`
	LowWater          decimal.Decimal `json:"low_water"`
}

// Clone returns a copy so callers can mutate without aliasing.
func (t *TrailingStop) Clone() *TrailingStop {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TakeProfitLevel is one rung of a take-profit ladder. Percent is the share
// of the remaining size closed when Price is reached (100 closes everything).
type TakeProfitLevel struct {
	Price   decimal.Decimal `json:"price"`
	Percent decimal.Decimal `json:"percent"`
}

// Account is a trading account, virtual or backed by exchange credentials.
type Account struct {
	ID                 string
	Name               string
	Exchange           string
	ExchangeType       string
	Testnet            bool
	IsVirtual          bool
	IsActive           bool
	Balance            decimal.Decimal
	APIKeyEncrypted    string
	APISecretEncrypted string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasCredentials reports whether the account can reach its exchange.
func (a Account) HasCredentials() bool {
	return a.APIKeyEncrypted != "" && a.APISecretEncrypted != ""
}

// Position is the authoritative record of a held quantity.
type Position struct {
	ID                 string
	AccountID          string
	Symbol             string
	Direction          Direction
	Status             PositionStatus
	Market             Market
	TotalSize          decimal.Decimal
	FilledSize         decimal.Decimal
	EntryPrice         decimal.Decimal
	CurrentPrice       decimal.Decimal
	Leverage           int
	Margin             decimal.Decimal
	LiquidationPrice   decimal.Decimal
	StopLoss           decimal.NullDecimal
	TakeProfit         decimal.NullDecimal
	TakeProfitLevels   []TakeProfitLevel
	TakeProfitHits     int
	Trailing           *TrailingStop
	RealizedPnL        decimal.Decimal
	UnrealizedPnL      decimal.Decimal
	FundingAccrued     decimal.Decimal
	LastFundingAt      sql.NullTime
	Source             Source
	EscortEnabled      bool
	EscortStatus       EscortStatus
	ExchangePositionID string
	IsVirtual          bool
	SignalID           string
	MaxHoldUntil       sql.NullTime
	CloseReason        CloseReason
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ClosedAt           sql.NullTime
}

// IsOpen reports whether the position still holds size.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// AutoManaged reports whether stops and targets may be applied automatically.
func (p *Position) AutoManaged() bool {
	if p.Source == SourceExternal {
		return p.EscortEnabled && p.EscortStatus == EscortEscorting
	}
	return true
}

// ExternalPosition mirrors an exchange position linked to an internal Position.
type ExternalPosition struct {
	ID                 string
	AccountID          string
	PositionID         string
	Symbol             string
	Direction          Direction
	Size               decimal.Decimal
	EntryPrice         decimal.Decimal
	MarkPrice          decimal.Decimal
	UnrealizedPnL      decimal.Decimal
	Leverage           int
	MarginMode         string
	LiquidationPrice   decimal.NullDecimal
	ExchangePositionID string
	Trailing           *TrailingStop
	LastSeenAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderStatus is the lifecycle of a VirtualOrder.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// VirtualOrder is a pending limit order of a virtual account.
type VirtualOrder struct {
	ID           string
	AccountID    string
	Symbol       string
	Direction    Direction
	Market       Market
	Quantity     decimal.Decimal
	Leverage     int
	LimitPrice   decimal.Decimal
	StopLoss     decimal.NullDecimal
	TakeProfit   decimal.NullDecimal
	Status       OrderStatus
	PositionID   string
	CancelReason string
	ExpiresAt    sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TradeSide marks what a trade did to its position.
type TradeSide string

const (
	TradeOpen    TradeSide = "OPEN"
	TradeClose   TradeSide = "CLOSE"
	TradePartial TradeSide = "PARTIAL"
)

// FeeRole is MAKER or TAKER.
type FeeRole string

const (
	RoleMaker FeeRole = "MAKER"
	RoleTaker FeeRole = "TAKER"
)

// Trade is an executed fill against a position.
type Trade struct {
	ID          string
	PositionID  string
	AccountID   string
	Symbol      string
	Side        TradeSide
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Fee         decimal.Decimal
	FeeRole     FeeRole
	RealizedPnL decimal.Decimal
	Reason      string
	CreatedAt   time.Time
}

// Signal is a strategy intent linked 1:1 to a position. Read-only for this service.
type Signal struct {
	ID               string
	PositionID       string
	Symbol           string
	StopLoss         decimal.NullDecimal
	TakeProfitLevels []TakeProfitLevel
	CreatedAt        time.Time
}

// SyncReport is the audit row written after each sync cycle.
type SyncReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Accounts   int
	Created    int
	Closed     int
	Refreshed  int
	Skipped    int // escorted positions without a usable mark price
	Errors     map[string]string
}

func encodeJSON(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *TrailingStop:
		if t == nil {
			return nil, nil
		}
	case []TakeProfitLevel:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeTrailing(ns sql.NullString) (*TrailingStop, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var t TrailingStop
	if err := json.Unmarshal([]byte(ns.String), &t); err != nil {
		return nil, fmt.Errorf("decode trailing: %w", err)
	}
	return &t, nil
}

func decodeLevels(ns sql.NullString) ([]TakeProfitLevel, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var levels []TakeProfitLevel
	if err := json.Unmarshal([]byte(ns.String), &levels); err != nil {
		return nil, fmt.Errorf("decode take-profit levels: %w", err)
	}
	return levels, nil
}
