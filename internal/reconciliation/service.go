package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"position-core/internal/balance"
	"position-core/internal/events"
	"position-core/internal/risk"
	"position-core/internal/state"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

var (
	// ErrAccountNotFound is returned when a position references a missing account.
	ErrAccountNotFound = balance.ErrAccountNotFound
	// ErrSyncInProgress is returned when SyncAll is called during another cycle.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Gateways hands out exchange gateways for live accounts.
type Gateways interface {
	Get(ctx context.Context, accountID string) (common.PositionGateway, error)
	RecordFailure(accountID string)
	RecordSuccess(accountID string)
}

// SyncRecorder receives cycle statistics.
type SyncRecorder interface {
	RecordSync(took time.Duration, created, errs int)
}

// Config tunes the sync cycle.
type Config struct {
	Workers int
}

// Service reconciles exchange positions with the platform record and runs
// the escort workflow for positions the platform did not open.
type Service struct {
	db        *db.Database
	positions *state.Registry
	gateways  Gateways
	emit      events.Emitter
	recorder  SyncRecorder
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex // held for the whole of SyncAll

	lastMu sync.Mutex
	last   *db.SyncReport
}

// NewService wires the sync service. recorder may be nil.
func NewService(database *db.Database, positions *state.Registry, gateways Gateways, emit events.Emitter,
	recorder SyncRecorder, cfg Config, logger *zap.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if emit == nil {
		emit = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        database,
		positions: positions,
		gateways:  gateways,
		emit:      emit,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.Named("sync"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type accountResult struct {
	created   int
	closed    int
	refreshed int
	skipped   int
	errs      map[string]string
}

// SyncAll runs one reconciliation cycle over every active live account and
// persists the report. Per-account failures are recorded in the report and
// never stop other accounts; the returned error only covers listing accounts
// and saving the report. A call made while a cycle is running returns
// ErrSyncInProgress instead of waiting for it.
func (s *Service) SyncAll(ctx context.Context) (db.SyncReport, error) {
	if !s.mu.TryLock() {
		return db.SyncReport{}, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	report := db.SyncReport{ID: uuid.NewString(), StartedAt: s.now(), Errors: map[string]string{}}
	accounts, err := s.db.Queries().ListLiveAccounts(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	report.Accounts = len(accounts)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, acct := range accounts {
		g.Go(func() error {
			res := s.syncAccount(ctx, acct)

			mu.Lock()
			defer mu.Unlock()
			report.Created += res.created
			report.Closed += res.closed
			report.Refreshed += res.refreshed
			report.Skipped += res.skipped
			for k, v := range res.errs {
				report.Errors[k] = v
			}
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = s.now()
	if s.recorder != nil {
		s.recorder.RecordSync(report.FinishedAt.Sub(report.StartedAt), report.Created, len(report.Errors))
	}
	s.lastMu.Lock()
	s.last = &report
	s.lastMu.Unlock()
	if err := s.db.Queries().CreateSyncReport(ctx, report); err != nil {
		return report, fmt.Errorf("save sync report: %w", err)
	}
	if report.Created > 0 || report.Closed > 0 || report.Skipped > 0 || len(report.Errors) > 0 {
		s.logger.Info("sync finished",
			zap.Int("accounts", report.Accounts),
			zap.Int("created", report.Created),
			zap.Int("closed", report.Closed),
			zap.Int("refreshed", report.Refreshed),
			zap.Int("skipped", report.Skipped),
			zap.Int("errors", len(report.Errors)))
	}
	return report, nil
}

// LastReport returns the report of the most recent finished cycle.
func (s *Service) LastReport() (db.SyncReport, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last == nil {
		return db.SyncReport{}, false
	}
	return *s.last, true
}

type listed struct {
	common.ExchangePosition
	market db.Market
}

func positionKey(ep common.ExchangePosition) string {
	if ep.PositionID != "" {
		return ep.PositionID
	}
	return ep.Symbol + ":" + string(ep.Direction)
}

func (s *Service) syncAccount(ctx context.Context, acct db.Account) accountResult {
	res := accountResult{errs: map[string]string{}}
	log := s.logger.With(zap.String("account_id", acct.ID))

	if s.gateways == nil {
		res.errs[acct.ID] = "no gateway manager"
		return res
	}
	gw, err := s.gateways.Get(ctx, acct.ID)
	if err != nil {
		res.errs[acct.ID] = err.Error()
		log.Warn("account skipped", zap.Error(err))
		return res
	}

	live, err := s.list(ctx, gw)
	if err != nil {
		s.gateways.RecordFailure(acct.ID)
		res.errs[acct.ID] = err.Error()
		log.Warn("list exchange positions failed", zap.Error(err))
		return res
	}
	s.gateways.RecordSuccess(acct.ID)

	internal, err := s.db.Queries().ListPositions(ctx, db.PositionFilter{AccountID: acct.ID, Status: db.StatusOpen})
	if err != nil {
		res.errs[acct.ID] = err.Error()
		return res
	}

	seen := make(map[string]bool, len(internal))
	for _, ep := range live {
		p := match(internal, ep.ExchangePosition)
		if p == nil {
			created, err := s.createExternal(ctx, acct, ep)
			if err != nil {
				res.errs[acct.ID+"/"+positionKey(ep.ExchangePosition)] = err.Error()
				continue
			}
			internal = append(internal, *created)
			seen[created.ID] = true
			res.created++
			continue
		}
		seen[p.ID] = true
		if p.Source != db.SourceExternal || p.EscortStatus != db.EscortEscorting {
			continue
		}
		skipped, err := s.escort(ctx, p.ID, ep.ExchangePosition)
		if err != nil {
			res.errs[p.ID] = err.Error()
			log.Warn("escort step failed", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}
		if skipped {
			res.skipped++
			continue
		}
		res.refreshed++
	}

	for i := range internal {
		p := &internal[i]
		if p.Source != db.SourceExternal || seen[p.ID] {
			continue
		}
		closed, err := s.closeVanished(ctx, p.ID)
		if err != nil {
			res.errs[p.ID] = err.Error()
			continue
		}
		if closed {
			res.closed++
		}
	}
	return res
}

// list returns every non-empty position on the venue. A venue without spot
// or futures support reports ErrNotSupported for that half.
func (s *Service) list(ctx context.Context, gw common.PositionGateway) ([]listed, error) {
	var out []listed
	futures, err := gw.GetFuturesPositions(ctx)
	if err != nil && !errors.Is(err, common.ErrNotSupported) {
		return nil, fmt.Errorf("futures positions: %w", err)
	}
	for _, ep := range futures {
		if ep.Size.IsPositive() {
			out = append(out, listed{ep, db.MarketFutures})
		}
	}
	spot, err := gw.GetSpotPositions(ctx)
	if err != nil && !errors.Is(err, common.ErrNotSupported) {
		return nil, fmt.Errorf("spot positions: %w", err)
	}
	for _, ep := range spot {
		if ep.Size.IsPositive() {
			out = append(out, listed{ep, db.MarketSpot})
		}
	}
	return out, nil
}

// match finds the open record for an exchange position: same symbol and
// direction, and either the same exchange id or opened by the platform.
func match(internal []db.Position, ep common.ExchangePosition) *db.Position {
	key := positionKey(ep)
	for i := range internal {
		p := &internal[i]
		if p.Symbol != ep.Symbol || string(p.Direction) != string(ep.Direction) {
			continue
		}
		if p.ExchangePositionID == key || p.Source == db.SourcePlatform {
			return p
		}
	}
	return nil
}

func (s *Service) createExternal(ctx context.Context, acct db.Account, ep listed) (*db.Position, error) {
	now := s.now()
	leverage := ep.Leverage
	if leverage < 1 {
		leverage = 1
	}
	p := &db.Position{
		ID:                 uuid.NewString(),
		AccountID:          acct.ID,
		Symbol:             ep.Symbol,
		Direction:          db.Direction(ep.Direction),
		Status:             db.StatusOpen,
		Market:             ep.market,
		TotalSize:          ep.Size,
		FilledSize:         ep.Size,
		EntryPrice:         ep.EntryPrice,
		CurrentPrice:       ep.MarkPrice,
		Leverage:           leverage,
		UnrealizedPnL:      ep.UnrealizedPnL,
		Source:             db.SourceExternal,
		EscortStatus:       db.EscortPendingConfirmation,
		ExchangePositionID: positionKey(ep.ExchangePosition),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if ep.LiquidationPrice.Valid {
		p.LiquidationPrice = ep.LiquidationPrice.Decimal
	}
	ext := &db.ExternalPosition{
		ID:                 uuid.NewString(),
		AccountID:          acct.ID,
		PositionID:         p.ID,
		Symbol:             ep.Symbol,
		Direction:          p.Direction,
		Size:               ep.Size,
		EntryPrice:         ep.EntryPrice,
		MarkPrice:          ep.MarkPrice,
		UnrealizedPnL:      ep.UnrealizedPnL,
		Leverage:           leverage,
		MarginMode:         ep.MarginMode,
		LiquidationPrice:   ep.LiquidationPrice,
		ExchangePositionID: p.ExchangePositionID,
		LastSeenAt:         now,
	}
	err := s.db.InTx(ctx, func(q *db.Queries) error {
		if err := q.CreatePosition(ctx, p); err != nil {
			return err
		}
		return q.CreateExternalPosition(ctx, ext)
	})
	if err != nil {
		return nil, fmt.Errorf("create external position: %w", err)
	}

	s.logger.Info("external position discovered",
		zap.String("account_id", acct.ID),
		zap.String("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("direction", string(p.Direction)),
		zap.String("size", p.FilledSize.String()))
	s.emit.Emit(events.For(p, events.EscortRequest{
		Size:       p.FilledSize,
		EntryPrice: p.EntryPrice,
		MarkPrice:  p.CurrentPrice,
		Leverage:   p.Leverage,
		Actions:    []string{"confirm", "decline", "configure"},
	}, now))
	return p, nil
}

// escort refreshes an ESCORTING position from its exchange snapshot, advances
// its trailing stop and closes it on the exchange when an exit is crossed.
// skipped reports a snapshot without a usable mark price; such a snapshot
// only refreshes size and entry and never triggers an exit.
func (s *Service) escort(ctx context.Context, positionID string, ep common.ExchangePosition) (skipped bool, err error) {
	res, err := s.refresh(ctx, positionID, ep)
	if err != nil || !res.exit {
		return res.skipped, err
	}
	_, err = s.closeExternal(ctx, positionID, res.reason, res.price)
	if errors.Is(err, ErrInvalidEscortTransition) {
		// Closed or released by a concurrent operation.
		return false, nil
	}
	return false, err
}

type refreshResult struct {
	reason  db.CloseReason
	price   decimal.Decimal
	exit    bool
	skipped bool
}

func (s *Service) refresh(ctx context.Context, positionID string, ep common.ExchangePosition) (refreshResult, error) {
	unlock := s.positions.Lock(positionID)
	defer unlock()

	res := refreshResult{price: ep.MarkPrice, skipped: !ep.MarkPrice.IsPositive()}
	err := s.db.InTx(ctx, func(q *db.Queries) error {
		p, open, err := s.positions.LoadOpen(ctx, q, positionID)
		if err != nil || !open || p.EscortStatus != db.EscortEscorting {
			return err
		}
		ext, err := q.GetExternalPositionByPosition(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("load external position: %w", err)
		}

		ext.Size, ext.EntryPrice = ep.Size, ep.EntryPrice
		ext.LastSeenAt = s.now()
		p.TotalSize, p.FilledSize = ep.Size, ep.Size
		p.EntryPrice = ep.EntryPrice
		if ep.Leverage > 0 {
			ext.Leverage = ep.Leverage
		}

		if res.skipped {
			s.logger.Debug("no mark price, exits not evaluated",
				zap.String("position_id", p.ID), zap.String("symbol", p.Symbol))
		} else {
			px := ep.MarkPrice
			ext.MarkPrice, ext.UnrealizedPnL = px, ep.UnrealizedPnL
			ext.MarginMode, ext.LiquidationPrice = ep.MarginMode, ep.LiquidationPrice
			p.CurrentPrice = px
			p.UnrealizedPnL = ep.UnrealizedPnL
			if ep.LiquidationPrice.Valid {
				p.LiquidationPrice = ep.LiquidationPrice.Decimal
			}

			trailed := false
			if ext.Trailing != nil {
				if next, changed := risk.AdvanceTrailing(ext.Trailing, p.Direction, p.EntryPrice, px, p.StopLoss); changed {
					p.StopLoss = next
				}
				p.Trailing = ext.Trailing.Clone()
				trailed = ext.Trailing.Activated
			}

			switch {
			case p.StopLoss.Valid && risk.StopTriggered(p.Direction, px, p.StopLoss.Decimal):
				res.reason, res.exit = db.CloseStopLoss, true
				if trailed {
					res.reason = db.CloseTrailingStop
				}
			case p.TakeProfit.Valid && risk.TargetReached(p.Direction, px, p.TakeProfit.Decimal):
				res.reason, res.exit = db.CloseTakeProfit, true
			}
		}

		if err := q.UpdatePosition(ctx, p); err != nil {
			return err
		}
		return q.UpdateExternalPosition(ctx, ext)
	})
	return res, err
}

// closeVanished marks an EXTERNAL position closed after it disappeared from
// the exchange. Returns false when it was already closed.
func (s *Service) closeVanished(ctx context.Context, positionID string) (bool, error) {
	unlock := s.positions.Lock(positionID)
	defer unlock()

	p, open, err := s.positions.LoadOpen(ctx, s.db.Queries(), positionID)
	if err != nil || !open {
		return false, err
	}

	now := s.now()
	qty := p.FilledSize
	realized := p.UnrealizedPnL
	p.Status = db.StatusClosed
	p.CloseReason = db.CloseExternal
	if p.EscortStatus == db.EscortEscorting {
		p.EscortStatus = db.EscortClosedExternally
	}
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.UnrealizedPnL = decimal.Zero
	p.ClosedAt.Time, p.ClosedAt.Valid = now, true
	if err := s.recordClose(ctx, p, qty, p.CurrentPrice, realized, now); err != nil {
		return false, err
	}
	s.positions.MarkClosed(p.ID)

	s.logger.Info("external position closed on exchange",
		zap.String("position_id", p.ID),
		zap.String("account_id", p.AccountID),
		zap.String("symbol", p.Symbol),
		zap.String("escort_status", string(p.EscortStatus)))
	s.emit.Emit(events.For(p, events.PositionClosed{
		ExitPrice:   p.CurrentPrice,
		Quantity:    qty,
		RealizedPnL: p.RealizedPnL,
		Reason:      string(db.CloseExternal),
	}, now))
	return true, nil
}
