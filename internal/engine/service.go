// Package engine is the single entry point the API layer talks to. It hides
// the matching engine, the monitor and the sync service behind one interface.
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// Service defines the operations exposed over HTTP.
// The API layer should only interact with the core through this interface.
type Service interface {
	// Orders
	PlaceMarketOrder(ctx context.Context, req MarketOrder) (*Position, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrder) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// Positions
	ListPositions(ctx context.Context, f PositionQuery) ([]Position, error)
	GetPosition(ctx context.Context, positionID string) (*PositionDetail, error)
	ClosePosition(ctx context.Context, positionID string, qty decimal.Decimal) (*Position, error)

	// Escort workflow for EXTERNAL positions
	ConfirmEscort(ctx context.Context, positionID string, params EscortParams) (*Position, error)
	DeclineEscort(ctx context.Context, positionID string) (*Position, error)
	UpdateEscort(ctx context.Context, positionID string, params EscortParams) (*Position, error)

	// Sync
	SyncNow(ctx context.Context) (*SyncReport, error)
	ListSyncReports(ctx context.Context, limit int) ([]SyncReport, error)

	// Accounts and prices
	GetBalance(ctx context.Context, accountID string) (*BalanceInfo, error)
	GetPrices(ctx context.Context) map[string]string

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
