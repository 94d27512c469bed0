package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"position-core/internal/events"
	"position-core/internal/matching"
	"position-core/internal/price"
	"position-core/internal/risk"
	"position-core/internal/state"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

// PriceSource resolves the price used for one evaluation.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (price.Quote, error)
}

// Gateways hands out exchange gateways for live accounts.
type Gateways interface {
	Get(ctx context.Context, accountID string) (common.PositionGateway, error)
	RecordFailure(accountID string)
	RecordSuccess(accountID string)
}

// Config tunes the scan.
type Config struct {
	Workers     int
	WarnPercent decimal.Decimal // distance to liquidation that raises a warning
	WarnLevel   int             // minimum leverage for warnings
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{Workers: 8, WarnPercent: decimal.NewFromInt(5), WarnLevel: 10}
}

// ScanReport summarizes one pass over the open PLATFORM positions.
type ScanReport struct {
	StartedAt     time.Time         `json:"started_at"`
	Took          time.Duration     `json:"took"`
	Checked       int               `json:"checked"`
	Updated       int               `json:"updated"`
	NoPrice       int               `json:"no_price"`
	Closed        int               `json:"closed"`
	PartialCloses int               `json:"partial_closes"`
	Warnings      int               `json:"warnings"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// Monitor evaluates stops, targets, trailing, liquidation and max-hold for
// every open PLATFORM position. EXTERNAL positions belong to the sync service.
type Monitor struct {
	db        *db.Database
	positions *state.Registry
	prices    PriceSource
	engine    *matching.Engine
	gateways  Gateways
	emit      events.Emitter
	metrics   *SystemMetrics
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	warnMu sync.Mutex
	warned map[string]bool
}

// New builds a monitor. gateways may be nil when no live account exists.
func New(database *db.Database, positions *state.Registry, prices PriceSource, engine *matching.Engine,
	gateways Gateways, emit events.Emitter, metrics *SystemMetrics, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if emit == nil {
		emit = events.Discard
	}
	if metrics == nil {
		metrics = NewSystemMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		db:        database,
		positions: positions,
		prices:    prices,
		engine:    engine,
		gateways:  gateways,
		emit:      emit,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.Named("monitor"),
		now:       time.Now,
		warned:    make(map[string]bool),
	}
}

// Metrics exposes the counters the monitor feeds.
func (m *Monitor) Metrics() *SystemMetrics { return m.metrics }

type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeNoPrice
	outcomeGone
	outcomeClosed
	outcomePartial
)

// Scan runs one pass. A failure on one position never stops the others; the
// returned error only reports that the open set could not be listed.
func (m *Monitor) Scan(ctx context.Context) (ScanReport, error) {
	report := ScanReport{StartedAt: m.now(), Errors: map[string]string{}}

	positions, err := m.db.Queries().ListPositions(ctx, db.PositionFilter{Status: db.StatusOpen, Source: db.SourcePlatform})
	if err != nil {
		m.metrics.IncrementErrors()
		return report, fmt.Errorf("list open positions: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Workers)
	for i := range positions {
		p := positions[i]
		g.Go(func() error {
			res, warned, err := m.evaluate(ctx, p.ID, p.Symbol)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if warned {
				report.Warnings++
			}
			if err != nil {
				report.Errors[p.ID] = err.Error()
				m.logger.Warn("position evaluation failed",
					zap.String("position_id", p.ID),
					zap.String("symbol", p.Symbol),
					zap.Error(err))
				return nil
			}
			switch res {
			case outcomeUpdated:
				report.Updated++
			case outcomeNoPrice:
				report.NoPrice++
			case outcomeClosed:
				report.Closed++
			case outcomePartial:
				report.PartialCloses++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Took = m.now().Sub(report.StartedAt)
	m.metrics.RecordScan(report)
	if report.Closed > 0 || report.PartialCloses > 0 || len(report.Errors) > 0 {
		m.logger.Info("scan finished",
			zap.Int("checked", report.Checked),
			zap.Int("closed", report.Closed),
			zap.Int("partial", report.PartialCloses),
			zap.Int("errors", len(report.Errors)),
			zap.Duration("took", report.Took))
	}
	return report, nil
}

// evaluate handles one position. The decision is taken under the position
// lock; the close takes it again and re-checks that the position is open.
func (m *Monitor) evaluate(ctx context.Context, positionID, symbol string) (outcome, bool, error) {
	if err := ctx.Err(); err != nil {
		return outcomeGone, false, err
	}
	quote, err := m.prices.Price(ctx, symbol)
	if errors.Is(err, price.ErrStaleData) || errors.Is(err, price.ErrNoPrice) {
		return outcomeNoPrice, false, nil
	}
	if err != nil {
		return outcomeNoPrice, false, err
	}

	req, pos, warned, ok, err := m.decide(ctx, positionID, quote.Price)
	if err != nil || pos == nil {
		return outcomeGone, warned, err
	}
	if !ok {
		return outcomeUpdated, warned, nil
	}

	res, err := m.close(ctx, pos, req)
	if errors.Is(err, matching.ErrPositionClosed) {
		return outcomeGone, warned, nil
	}
	if err != nil {
		return outcomeUpdated, warned, err
	}
	if res.Full {
		m.clearWarning(positionID)
		return outcomeClosed, warned, nil
	}
	return outcomePartial, warned, nil
}

// decide persists the mark and trailing state and picks the exit, if any.
// A nil position means it was closed concurrently.
func (m *Monitor) decide(ctx context.Context, positionID string, px decimal.Decimal) (matching.CloseRequest, *db.Position, bool, bool, error) {
	unlock := m.positions.Lock(positionID)
	defer unlock()

	q := m.db.Queries()
	p, open, err := m.positions.LoadOpen(ctx, q, positionID)
	if err != nil || !open {
		return matching.CloseRequest{}, nil, false, false, err
	}

	sig, err := q.GetSignalByPosition(ctx, p.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		sig = nil
	case err != nil:
		return matching.CloseRequest{}, nil, false, false, fmt.Errorf("load signal: %w", err)
	case p.SignalID == "":
		p.SignalID = sig.ID
	}
	targets := risk.ResolveTargets(p, sig)

	stop := risk.EffectiveStop(p, targets)
	trailed := false
	if p.Trailing != nil {
		next, changed := risk.AdvanceTrailing(p.Trailing, p.Direction, p.EntryPrice, px, stop)
		if changed {
			stop = next
			p.StopLoss = next
		}
		trailed = p.Trailing.Activated
	}

	p.CurrentPrice = px
	p.UnrealizedPnL = risk.PnL(p.Direction, p.EntryPrice, px, p.FilledSize)
	p.UpdatedAt = m.now().UTC()
	if err := q.UpdatePosition(ctx, p); err != nil {
		return matching.CloseRequest{}, nil, false, false, fmt.Errorf("persist mark: %w", err)
	}

	warned := m.checkLiquidation(p, px)

	req, ok := m.exitFor(p, targets, stop, trailed, px)
	return req, p, warned, ok, nil
}

func (m *Monitor) exitFor(p *db.Position, targets risk.Targets, stop decimal.NullDecimal, trailed bool, px decimal.Decimal) (matching.CloseRequest, bool) {
	if stop.Valid && risk.StopTriggered(p.Direction, px, stop.Decimal) {
		reason := db.CloseStopLoss
		if trailed {
			reason = db.CloseTrailingStop
		}
		return matching.CloseRequest{PositionID: p.ID, Price: px, Reason: reason, StopPrice: stop.Decimal}, true
	}
	if lvl, ok := risk.NextLevel(targets.Ladder, p.TakeProfitHits, p.Direction, px); ok {
		last := p.TakeProfitHits == len(targets.Ladder)-1
		return matching.CloseRequest{
			PositionID: p.ID,
			Price:      px,
			Quantity:   risk.CloseQuantity(p.FilledSize, lvl.Percent, last),
			Reason:     db.CloseTakeProfit,
			Level:      p.TakeProfitHits + 1,
			Percent:    lvl.Percent,
		}, true
	}
	if p.IsVirtual && p.Market == db.MarketFutures && risk.LiquidationReached(p.Direction, px, p.LiquidationPrice) {
		return matching.CloseRequest{PositionID: p.ID, Price: p.LiquidationPrice, Reason: db.CloseLiquidation}, true
	}
	if p.MaxHoldUntil.Valid && !m.now().Before(p.MaxHoldUntil.Time) {
		return matching.CloseRequest{PositionID: p.ID, Price: px, Reason: db.CloseTimeExit}, true
	}
	return matching.CloseRequest{}, false
}

// checkLiquidation emits one warning per approach. The flag re-arms once
// price moves back outside the band.
func (m *Monitor) checkLiquidation(p *db.Position, px decimal.Decimal) bool {
	if p.Leverage < m.cfg.WarnLevel || !p.LiquidationPrice.IsPositive() {
		return false
	}
	dist := risk.DistancePercent(px, p.LiquidationPrice)

	m.warnMu.Lock()
	defer m.warnMu.Unlock()
	if dist.GreaterThan(m.cfg.WarnPercent) {
		delete(m.warned, p.ID)
		return false
	}
	if m.warned[p.ID] {
		return false
	}
	m.warned[p.ID] = true
	m.emit.Emit(events.For(p, events.LiquidationWarning{
		Price:            px,
		LiquidationPrice: p.LiquidationPrice,
		DistancePercent:  dist.Round(4),
		Leverage:         p.Leverage,
	}, m.now().UTC()))
	return true
}

func (m *Monitor) clearWarning(positionID string) {
	m.warnMu.Lock()
	delete(m.warned, positionID)
	m.warnMu.Unlock()
}

// close settles a virtual position directly. A live one is flattened on the
// exchange while the position lock is held, then recorded.
func (m *Monitor) close(ctx context.Context, p *db.Position, req matching.CloseRequest) (*matching.CloseResult, error) {
	if p.IsVirtual {
		return m.engine.ClosePosition(ctx, req)
	}
	if m.gateways == nil {
		return nil, fmt.Errorf("no gateway manager for live account %s", p.AccountID)
	}
	return m.engine.CloseWith(ctx, req, m.flatten)
}

// flatten sends a market reduce order for qty of a live position.
func (m *Monitor) flatten(ctx context.Context, p *db.Position, qty decimal.Decimal) error {
	gw, err := m.gateways.Get(ctx, p.AccountID)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	side := common.PositionLong
	if p.Direction == db.DirectionShort {
		side = common.PositionShort
	}

	timer := NewTimer(m.metrics.ExchangeLatency)
	_, err = gw.ClosePosition(ctx, common.ClosePositionRequest{
		Symbol:       p.Symbol,
		PositionSide: side,
		Quantity:     qty,
		Market:       true,
	})
	timer.Stop()
	if err != nil {
		m.gateways.RecordFailure(p.AccountID)
		return fmt.Errorf("exchange close: %w", err)
	}
	m.gateways.RecordSuccess(p.AccountID)
	return nil
}

// ClosePosition closes a PLATFORM position on request at the oracle price.
// A zero qty closes everything left.
func (m *Monitor) ClosePosition(ctx context.Context, positionID string, qty decimal.Decimal) (*matching.CloseResult, error) {
	p, err := state.Load(ctx, m.db.Queries(), positionID)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, matching.ErrPositionClosed
	}
	if p.Source != db.SourcePlatform {
		return nil, fmt.Errorf("%w: position %s is external", matching.ErrInvalidOrder, positionID)
	}
	quote, err := m.prices.Price(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", p.Symbol, err)
	}
	res, err := m.close(ctx, p, matching.CloseRequest{
		PositionID: positionID,
		Price:      quote.Price,
		Quantity:   qty,
		Reason:     db.CloseManual,
	})
	if err == nil && res.Full {
		m.clearWarning(positionID)
	}
	return res, err
}
