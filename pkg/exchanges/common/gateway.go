package common

import (
	"context"
	"errors"
)

// ErrNotSupported is returned when a venue lacks a capability (e.g. spot positions).
var ErrNotSupported = errors.New("operation not supported by venue")

// PositionGateway is the per-account capability set the engine consumes.
type PositionGateway interface {
	GetFuturesPositions(ctx context.Context) ([]ExchangePosition, error)
	GetSpotPositions(ctx context.Context) ([]ExchangePosition, error)
	ClosePosition(ctx context.Context, req ClosePositionRequest) (OrderResult, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
}
