// Package price answers "what is the price of X now" for the monitor, the
// matching engine and the escort service.
package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/events"
	"position-core/pkg/cache"
)

var (
	// ErrStaleData is returned with a best-effort quote when only an old price is known.
	ErrStaleData = errors.New("price data is stale")
	// ErrNoPrice means the symbol has never been priced and the pull failed.
	ErrNoPrice = errors.New("no price available")
)

// Quote sources.
const (
	SourcePush      = "push"
	SourceShared    = "shared"
	SourcePull      = "pull"
	SourceSynthetic = "synthetic"
)

// Quote is one price answer.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
	Source string
}

// Puller fetches a price over the network. The Binance market data client
// satisfies it; PullerFunc adapts anything else.
type Puller interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PullerFunc adapts a function to Puller.
type PullerFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// TickerPrice calls f.
func (f PullerFunc) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// SharedStore is a cross-instance price cache such as cache.RedisPriceStore.
type SharedStore interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// Config tunes freshness and the pull deadline.
type Config struct {
	MaxAge  time.Duration // pushed prices older than this trigger a pull
	Timeout time.Duration // deadline for one pull
}

// Oracle layers a pushed price cache, an optional shared cache and a pull
// with a short deadline. When all fail it falls back to the last known price
// and reports ErrStaleData so callers can decide whether to act on it.
type Oracle struct {
	local  *cache.ShardedPriceCache
	shared SharedStore
	pull   Puller
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewOracle builds an oracle. shared and pull may be nil.
func NewOracle(local *cache.ShardedPriceCache, pull Puller, shared SharedStore, cfg Config, logger *zap.Logger) *Oracle {
	if local == nil {
		local = cache.NewShardedPriceCache()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		local:  local,
		shared: shared,
		pull:   pull,
		cfg:    cfg,
		logger: logger.Named("oracle"),
		now:    time.Now,
	}
}

// Observe records a pushed price.
func (o *Oracle) Observe(tick events.PriceTick) {
	if !tick.Price.IsPositive() {
		return
	}
	at := tick.Time
	if at.IsZero() {
		at = o.now()
	}
	o.local.SetAt(tick.Symbol, tick.Price, at)
	if o.shared != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
		defer cancel()
		if err := o.shared.SetPrice(ctx, tick.Symbol, tick.Price, at); err != nil {
			o.logger.Debug("shared price write failed", zap.String("symbol", tick.Symbol), zap.Error(err))
		}
	}
}

// Price returns the freshest price it can find for symbol.
func (o *Oracle) Price(ctx context.Context, symbol string) (Quote, error) {
	local, haveLocal := o.local.Get(symbol)
	if haveLocal && o.fresh(local.UpdatedAt) {
		return Quote{Symbol: symbol, Price: local.Price, At: local.UpdatedAt, Source: SourcePush}, nil
	}

	last := Quote{}
	if haveLocal {
		last = Quote{Symbol: symbol, Price: local.Price, At: local.UpdatedAt}
	}

	if o.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		p, at, err := o.shared.GetPrice(sctx, symbol)
		cancel()
		switch {
		case err == nil && o.fresh(at):
			o.local.SetAt(symbol, p, at)
			return Quote{Symbol: symbol, Price: p, At: at, Source: SourceShared}, nil
		case err == nil && at.After(last.At):
			last = Quote{Symbol: symbol, Price: p, At: at}
		case err != nil && !errors.Is(err, cache.ErrNotFound):
			o.logger.Debug("shared price read failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	if o.pull != nil {
		pctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		p, err := o.pull.TickerPrice(pctx, symbol)
		cancel()
		if err == nil && p.IsPositive() {
			now := o.now()
			o.Observe(events.PriceTick{Symbol: symbol, Price: p, Time: now})
			return Quote{Symbol: symbol, Price: p, At: now, Source: SourcePull}, nil
		}
		o.logger.Warn("price pull failed", zap.String("symbol", symbol), zap.Error(err))
	}

	if last.Price.IsPositive() {
		last.Source = SourceSynthetic
		return last, fmt.Errorf("%w: %s last seen %s ago", ErrStaleData, symbol, o.now().Sub(last.At).Round(time.Second))
	}
	return Quote{Symbol: symbol}, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
}

func (o *Oracle) fresh(at time.Time) bool {
	return o.now().Sub(at) <= o.cfg.MaxAge
}

// Run feeds pushed ticks from the bus into the cache until ctx is done.
func (o *Oracle) Run(ctx context.Context, bus *events.Bus) {
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
			if tick, ok := msg.(events.PriceTick); ok {
				o.Observe(tick)
			}
		}
	}
}

// Snapshot returns every cached price, for the API.
func (o *Oracle) Snapshot() map[string]decimal.Decimal {
	return o.local.GetAll()
}
