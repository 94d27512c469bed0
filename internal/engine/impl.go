package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-core/internal/balance"
	"position-core/internal/events"
	"position-core/internal/matching"
	"position-core/internal/monitor"
	"position-core/internal/notify"
	"position-core/internal/price"
	"position-core/internal/reconciliation"
	"position-core/internal/scheduler"
	"position-core/internal/state"
	"position-core/pkg/db"
)

var (
	// ErrPriceUnavailable means no fresh price exists to fill or close at.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrNotConfigured is returned when an optional component is missing.
	ErrNotConfigured = errors.New("component not configured")
	// ErrAccountNotFound is re-exported for the API layer.
	ErrAccountNotFound = balance.ErrAccountNotFound
	// ErrBusy means the requested job is already running.
	ErrBusy = errors.New("busy")
)

// Prices is the oracle surface the facade needs.
type Prices interface {
	Price(ctx context.Context, symbol string) (price.Quote, error)
	Snapshot() map[string]decimal.Decimal
}

// TaskStats reports scheduled task counters; *scheduler.Runner satisfies it.
type TaskStats interface {
	Stats() []scheduler.Stats
}

// TaskRunner runs a single-flight job on demand; *scheduler.Task satisfies it.
type TaskRunner interface {
	Try(ctx context.Context) (ran bool, err error)
}

// NotifyStats reports notification delivery; *notify.Dispatcher satisfies it.
type NotifyStats interface {
	Stats() notify.Stats
}

// Meta is static system information reported by GetSystemStatus.
type Meta struct {
	Version     string
	UseMockFeed bool
	Symbols     []string
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	DB              *db.Database
	Matching        *matching.Engine
	Monitor         *monitor.Monitor
	Sync            *reconciliation.Service // nil when no live account is configured
	SyncTask        TaskRunner              // the scheduled sync job; SyncNow goes through it when set
	Prices          Prices
	Bus             *events.Bus
	Tasks           TaskStats   // optional
	Notifier        NotifyStats // optional
	TrailingDefault db.TrailingStop
	Meta            Meta
	Logger          *zap.Logger
}

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	db        *db.Database
	matching  *matching.Engine
	monitor   *monitor.Monitor
	sync      *reconciliation.Service
	syncTask  TaskRunner
	prices    Prices
	bus       *events.Bus
	tasks     TaskStats
	notifier  NotifyStats
	trailing  db.TrailingStop
	meta      Meta
	logger    *zap.Logger
	startedAt time.Time
}

var _ Service = (*Impl)(nil)

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TrailingDefault.Type == "" {
		cfg.TrailingDefault = db.TrailingStop{Type: db.TrailingPercent, Distance: decimal.NewFromInt(1)}
	}
	return &Impl{
		db:        cfg.DB,
		matching:  cfg.Matching,
		monitor:   cfg.Monitor,
		sync:      cfg.Sync,
		syncTask:  cfg.SyncTask,
		prices:    cfg.Prices,
		bus:       cfg.Bus,
		tasks:     cfg.Tasks,
		notifier:  cfg.Notifier,
		trailing:  cfg.TrailingDefault,
		meta:      cfg.Meta,
		logger:    cfg.Logger.Named("engine"),
		startedAt: time.Now(),
	}
}

// --- Orders ---

func (e *Impl) PlaceMarketOrder(ctx context.Context, req MarketOrder) (*Position, error) {
	quote, err := e.prices.Price(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, req.Symbol, err)
	}
	fill, err := e.matching.ExecuteMarketOrder(ctx, matching.MarketOrderRequest{
		AccountID:        req.AccountID,
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		Market:           req.Market,
		Quantity:         req.Quantity,
		Leverage:         req.Leverage,
		CurrentPrice:     quote.Price,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		TakeProfitLevels: req.TakeProfitLevels,
		Trailing:         e.resolveTrailing(req.Trailing),
		MaxHold:          req.MaxHold,
	})
	if err != nil {
		return nil, err
	}
	out := toPosition(fill.Position)
	return &out, nil
}

func (e *Impl) PlaceLimitOrder(ctx context.Context, req LimitOrder) (*Order, error) {
	o, err := e.matching.CreateLimitOrder(ctx, matching.LimitOrderRequest{
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Market:     req.Market,
		Quantity:   req.Quantity,
		Leverage:   req.Leverage,
		LimitPrice: req.LimitPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		ExpiresIn:  req.ExpiresIn,
	})
	if err != nil {
		return nil, err
	}
	out := toOrder(o)
	return &out, nil
}

func (e *Impl) CancelOrder(ctx context.Context, orderID string) error {
	return e.matching.CancelLimitOrder(ctx, orderID, "")
}

func (e *Impl) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	o, err := e.db.Queries().GetVirtualOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", matching.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	out := toOrder(o)
	return &out, nil
}

// --- Positions ---

func (e *Impl) ListPositions(ctx context.Context, f PositionQuery) ([]Position, error) {
	rows, err := e.db.Queries().ListPositions(ctx, db.PositionFilter{
		AccountID: f.AccountID,
		Symbol:    f.Symbol,
		Status:    f.Status,
		Source:    f.Source,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for i := range rows {
		out = append(out, toPosition(&rows[i]))
	}
	return out, nil
}

func (e *Impl) GetPosition(ctx context.Context, positionID string) (*PositionDetail, error) {
	q := e.db.Queries()
	p, err := state.Load(ctx, q, positionID)
	if err != nil {
		return nil, err
	}
	trades, err := q.ListTradesByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	out := &PositionDetail{Position: toPosition(p), Trades: make([]Trade, 0, len(trades))}
	for _, t := range trades {
		out.Trades = append(out.Trades, toTrade(t))
	}
	return out, nil
}

// ClosePosition closes a PLATFORM position, fully or partly, at the oracle
// price. EXTERNAL positions can only be closed whole through the exchange.
func (e *Impl) ClosePosition(ctx context.Context, positionID string, qty decimal.Decimal) (*Position, error) {
	p, err := state.Load(ctx, e.db.Queries(), positionID)
	if err != nil {
		return nil, err
	}
	if p.Source == db.SourceExternal {
		if e.sync == nil {
			return nil, fmt.Errorf("%w: sync service", ErrNotConfigured)
		}
		if qty.IsPositive() && qty.LessThan(p.FilledSize) {
			return nil, fmt.Errorf("%w: external positions close in full", matching.ErrInvalidOrder)
		}
		closed, err := e.sync.CloseExternalPosition(ctx, positionID, db.CloseManual)
		if err != nil {
			return nil, err
		}
		out := toPosition(closed)
		return &out, nil
	}

	res, err := e.monitor.ClosePosition(ctx, positionID, qty)
	if errors.Is(err, price.ErrStaleData) || errors.Is(err, price.ErrNoPrice) {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	out := toPosition(res.Position)
	return &out, nil
}

// --- Escort ---

func (e *Impl) ConfirmEscort(ctx context.Context, positionID string, params EscortParams) (*Position, error) {
	if e.sync == nil {
		return nil, fmt.Errorf("%w: sync service", ErrNotConfigured)
	}
	return view(e.sync.ConfirmEscort(ctx, positionID, e.escortParams(params)))
}

func (e *Impl) DeclineEscort(ctx context.Context, positionID string) (*Position, error) {
	if e.sync == nil {
		return nil, fmt.Errorf("%w: sync service", ErrNotConfigured)
	}
	return view(e.sync.DeclineEscort(ctx, positionID))
}

func (e *Impl) UpdateEscort(ctx context.Context, positionID string, params EscortParams) (*Position, error) {
	if e.sync == nil {
		return nil, fmt.Errorf("%w: sync service", ErrNotConfigured)
	}
	return view(e.sync.UpdateEscortParams(ctx, positionID, e.escortParams(params)))
}

func view(p *db.Position, err error) (*Position, error) {
	if err != nil {
		return nil, err
	}
	out := toPosition(p)
	return &out, nil
}

func (e *Impl) escortParams(p EscortParams) reconciliation.EscortParams {
	return reconciliation.EscortParams{
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Trailing:   e.resolveTrailing(p.Trailing),
	}
}

// resolveTrailing fills the fields a request left out from the defaults.
func (e *Impl) resolveTrailing(spec *TrailingSpec) *db.TrailingStop {
	if spec == nil {
		return nil
	}
	t := db.TrailingStop{
		Type:              e.trailing.Type,
		Distance:          e.trailing.Distance,
		ActivationPercent: e.trailing.ActivationPercent,
	}
	if spec.Type != "" {
		t.Type = spec.Type
	}
	if spec.Distance.Valid {
		t.Distance = spec.Distance.Decimal
	}
	if spec.Activation.Valid {
		t.ActivationPercent = spec.Activation.Decimal
	}
	return &t
}

// --- Sync ---

func (e *Impl) SyncNow(ctx context.Context) (*SyncReport, error) {
	if e.sync == nil {
		return nil, fmt.Errorf("%w: sync service", ErrNotConfigured)
	}
	if e.syncTask == nil {
		r, err := e.sync.SyncAll(ctx)
		if errors.Is(err, reconciliation.ErrSyncInProgress) {
			return nil, fmt.Errorf("%w: exchange sync", ErrBusy)
		}
		if err != nil {
			return nil, err
		}
		out := toSyncReport(r)
		return &out, nil
	}

	// Shares the scheduled task's single-flight and cross-instance lock.
	ran, err := e.syncTask.Try(ctx)
	if (!ran && err == nil) || errors.Is(err, reconciliation.ErrSyncInProgress) {
		return nil, fmt.Errorf("%w: exchange sync", ErrBusy)
	}
	if err != nil {
		return nil, err
	}
	r, ok := e.sync.LastReport()
	if !ok {
		return nil, fmt.Errorf("%w: exchange sync produced no report", ErrNotConfigured)
	}
	out := toSyncReport(r)
	return &out, nil
}

func (e *Impl) ListSyncReports(ctx context.Context, limit int) ([]SyncReport, error) {
	rows, err := e.db.Queries().ListSyncReports(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SyncReport, 0, len(rows))
	for _, r := range rows {
		out = append(out, toSyncReport(r))
	}
	return out, nil
}

// --- Accounts and prices ---

func (e *Impl) GetBalance(ctx context.Context, accountID string) (*BalanceInfo, error) {
	q := e.db.Queries()
	acct, err := q.GetAccount(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	open, err := q.ListPositions(ctx, db.PositionFilter{AccountID: accountID, Status: db.StatusOpen})
	if err != nil {
		return nil, err
	}
	info := &BalanceInfo{
		AccountID:     acct.ID,
		IsVirtual:     acct.IsVirtual,
		Available:     acct.Balance,
		OpenPositions: len(open),
	}
	for _, p := range open {
		info.Locked = info.Locked.Add(p.Margin)
		info.Unrealized = info.Unrealized.Add(p.UnrealizedPnL)
	}
	info.Equity = info.Available.Add(info.Locked).Add(info.Unrealized)
	return info, nil
}

func (e *Impl) GetPrices(ctx context.Context) map[string]string {
	out := make(map[string]string)
	for sym, px := range e.prices.Snapshot() {
		out[sym] = px.String()
	}
	return out
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := &SystemStatus{
		Version:     e.meta.Version,
		StartedAt:   e.startedAt,
		Uptime:      time.Since(e.startedAt).Round(time.Second).String(),
		UseMockFeed: e.meta.UseMockFeed,
		Symbols:     e.meta.Symbols,
		Metrics:     e.monitor.Metrics().GetSnapshot(),
	}
	if e.bus != nil {
		status.DroppedEvents = e.bus.Dropped()
	}
	if e.tasks != nil {
		status.Tasks = e.tasks.Stats()
	}
	if e.notifier != nil {
		n := e.notifier.Stats()
		status.Notifications = &n
	}

	q := e.db.Queries()
	open, err := q.ListPositions(ctx, db.PositionFilter{Status: db.StatusOpen})
	if err != nil {
		e.logger.Warn("status: list positions", zap.Error(err))
	}
	status.OpenPositions = len(open)
	for _, p := range open {
		if p.EscortStatus == db.EscortPendingConfirmation {
			status.PendingEscorts++
		}
	}
	if reports, err := q.ListSyncReports(ctx, 1); err == nil && len(reports) > 0 {
		last := toSyncReport(reports[0])
		status.LastSync = &last
	}
	return status
}
