package market

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/events"
)

// MockFeed generates a random walk per symbol for local development.
type MockFeed struct {
	Bus         *events.Bus
	Symbols     []string
	StartPrices map[string]decimal.Decimal
	StepPercent float64 // max move per tick, in percent
	Interval    time.Duration
	Logger      *zap.Logger
}

var defaultStarts = map[string]decimal.Decimal{
	"BTCUSDT": decimal.NewFromInt(100000),
	"ETHUSDT": decimal.NewFromInt(3500),
}

func (m *MockFeed) Start(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Bus == nil {
		m.Logger.Warn("mock feed: bus not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT"}
	}
	if m.StepPercent == 0 {
		m.StepPercent = 0.1
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	prices := make(map[string]decimal.Decimal, len(m.Symbols))
	for _, sym := range m.Symbols {
		switch {
		case m.StartPrices[sym].IsPositive():
			prices[sym] = m.StartPrices[sym]
		case defaultStarts[sym].IsPositive():
			prices[sym] = defaultStarts[sym]
		default:
			prices[sym] = decimal.NewFromInt(100)
		}
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, sym := range m.Symbols {
					move := (rand.Float64()*2 - 1) * m.StepPercent / 100
					next := prices[sym].Mul(decimal.NewFromFloat(1 + move)).Round(2)
					if next.IsPositive() {
						prices[sym] = next
					}
					m.Bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: sym, Price: prices[sym], Time: now.UTC()})
				}
			}
		}
	}()
}
