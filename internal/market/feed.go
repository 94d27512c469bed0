package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/events"
	binance "position-core/pkg/market/binance"
)

// TickerSource polls one price when the stream is down.
type TickerSource interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Feed streams Binance mini tickers into the bus as PriceTick values and
// falls back to REST polling while the websocket is reconnecting.
type Feed struct {
	Stream         *binance.StreamClient
	Poll           TickerSource // optional
	Bus            *events.Bus
	Symbols        []string
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Start runs the feed in the background until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	if f.Logger == nil {
		f.Logger = zap.NewNop()
	}
	if f.Bus == nil || f.Stream == nil || len(f.Symbols) == 0 {
		f.Logger.Warn("market feed not fully configured; skipping start")
		return
	}
	if f.ReconnectDelay <= 0 {
		f.ReconnectDelay = 5 * time.Second
	}
	if f.PollInterval <= 0 {
		f.PollInterval = 30 * time.Second
	}

	streaming := make(chan bool, 1)
	go f.stream(ctx, streaming)
	if f.Poll != nil {
		go f.pollWhileDown(ctx, streaming)
	}
}

func (f *Feed) stream(ctx context.Context, streaming chan<- bool) {
	signal := func(up bool) {
		select {
		case streaming <- up:
		default:
		}
	}
	for ctx.Err() == nil {
		ch, stop, err := f.Stream.SubscribeTickers(ctx, f.Symbols)
		if err != nil {
			f.Logger.Warn("ticker stream subscribe failed", zap.Error(err))
		} else {
			signal(true)
			for t := range ch {
				f.Bus.Publish(events.EventPriceTick, toTick(t))
			}
			stop()
			signal(false)
			f.Logger.Info("ticker stream closed, reconnecting", zap.Duration("delay", f.ReconnectDelay))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.ReconnectDelay):
		}
	}
}

// pollWhileDown publishes REST prices until the first stream frame arrives
// and again whenever the stream drops.
func (f *Feed) pollWhileDown(ctx context.Context, streaming <-chan bool) {
	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()
	up := false
	for {
		select {
		case <-ctx.Done():
			return
		case up = <-streaming:
		case <-ticker.C:
			if up {
				continue
			}
			for _, sym := range f.Symbols {
				px, err := f.Poll.TickerPrice(ctx, sym)
				if err != nil {
					f.Logger.Debug("ticker poll failed", zap.String("symbol", sym), zap.Error(err))
					continue
				}
				f.Bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: sym, Price: px, Time: time.Now().UTC()})
			}
		}
	}
}

func toTick(t binance.Ticker) events.PriceTick {
	at := time.Now().UTC()
	if t.Time > 0 {
		at = time.UnixMilli(t.Time).UTC()
	}
	return events.PriceTick{Symbol: t.Symbol, Price: t.Price, Time: at}
}
