package matching

import (
	"context"

	"go.uber.org/zap"

	"position-core/internal/events"
)

// Run matches every price tick published on the bus against resting limit
// orders and virtual exits until ctx is done. Ticks are handled one at a time
// in arrival order.
func (e *Engine) Run(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventPriceTick, 1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			tick, ok := msg.(events.PriceTick)
			if !ok || !tick.Price.IsPositive() {
				continue
			}
			e.OnTick(ctx, tick)
		}
	}
}

// OnTick runs one tick through limit matching and then exit checks, so an
// order filled by this tick is already eligible for its stop.
func (e *Engine) OnTick(ctx context.Context, tick events.PriceTick) {
	if n, err := e.ProcessLimitOrders(ctx, tick); err != nil {
		e.logger.Warn("limit matching failed", zap.String("symbol", tick.Symbol), zap.Error(err))
	} else if n > 0 {
		e.logger.Debug("limit orders filled", zap.String("symbol", tick.Symbol), zap.Int("filled", n))
	}
	if n, err := e.ProcessSLTP(ctx, tick); err != nil {
		e.logger.Warn("exit check failed", zap.String("symbol", tick.Symbol), zap.Error(err))
	} else if n > 0 {
		e.logger.Debug("positions closed on tick", zap.String("symbol", tick.Symbol), zap.Int("closed", n))
	}
}
