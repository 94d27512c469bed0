package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"position-core/internal/events"
	"position-core/internal/gateway"
	"position-core/internal/state"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeGateway struct {
	mu        sync.Mutex
	positions []common.ExchangePosition
	listErr   error
	closeErr  error
	closes    []common.ClosePositionRequest
	last      decimal.Decimal

	// when set, listing signals listing and waits for release
	listing chan struct{}
	release chan struct{}
}

func (g *fakeGateway) GetFuturesPositions(context.Context) ([]common.ExchangePosition, error) {
	if g.release != nil {
		close(g.listing)
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return append([]common.ExchangePosition(nil), g.positions...), nil
}

func (g *fakeGateway) GetSpotPositions(context.Context) ([]common.ExchangePosition, error) {
	return nil, common.ErrNotSupported
}

func (g *fakeGateway) ClosePosition(_ context.Context, req common.ClosePositionRequest) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeErr != nil {
		return common.OrderResult{}, g.closeErr
	}
	g.closes = append(g.closes, req)
	return common.OrderResult{ExchangeOrderID: "close-1", Status: common.StatusFilled}, nil
}

func (g *fakeGateway) GetTicker(_ context.Context, symbol string) (common.Ticker, error) {
	return common.Ticker{Symbol: symbol, LastPrice: g.last, Time: time.Now()}, nil
}

func (g *fakeGateway) set(eps ...common.ExchangePosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions = eps
}

type fakeGateways struct {
	mu  sync.Mutex
	gws map[string]*fakeGateway
}

func (f *fakeGateways) Get(_ context.Context, accountID string) (common.PositionGateway, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gw, ok := f.gws[accountID]
	if !ok {
		return nil, gateway.ErrCredentialsMissing
	}
	return gw, nil
}

func (f *fakeGateways) RecordFailure(string) {}
func (f *fakeGateways) RecordSuccess(string) {}

type recorder struct {
	mu     sync.Mutex
	events []events.Lifecycle
}

func (r *recorder) Emit(l events.Lifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, l)
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

type harness struct {
	db     *db.Database
	svc    *Service
	gw     *fakeGateway
	gws    *fakeGateways
	events *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	acct := db.Account{ID: "acc-live", Exchange: "binance", ExchangeType: gateway.ExchangeBinanceFutures, IsActive: true,
		APIKeyEncrypted: "v1:key", APISecretEncrypted: "v1:secret"}
	if err := database.Queries().CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("create account: %v", err)
	}

	gw := &fakeGateway{last: d("3300")}
	gws := &fakeGateways{gws: map[string]*fakeGateway{"acc-live": gw}}
	rec := &recorder{}
	svc := NewService(database, state.NewRegistry(), gws, rec, nil, Config{Workers: 2}, nil)
	return &harness{db: database, svc: svc, gw: gw, gws: gws, events: rec}
}

func (h *harness) sync(t *testing.T) db.SyncReport {
	t.Helper()
	r, err := h.svc.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	return r
}

func (h *harness) external(t *testing.T) *db.Position {
	t.Helper()
	ps, err := h.db.Queries().ListPositions(context.Background(), db.PositionFilter{Source: db.SourceExternal})
	if err != nil || len(ps) != 1 {
		t.Fatalf("external positions = %d, err = %v", len(ps), err)
	}
	return &ps[0]
}

func (h *harness) reload(t *testing.T, id string) *db.Position {
	t.Helper()
	p, err := h.db.Queries().GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	return p
}

func ethShort() common.ExchangePosition {
	return common.ExchangePosition{
		Symbol: "ETHUSDT", Direction: common.PositionShort, Size: d("2"), EntryPrice: d("3400"),
		MarkPrice: d("3380"), UnrealizedPnL: d("40"), Leverage: 5, MarginMode: "cross",
		PositionID: "ETHUSDT:SHORT",
	}
}

func ethLong(mark string) common.ExchangePosition {
	return common.ExchangePosition{
		Symbol: "ETHUSDT", Direction: common.PositionLong, Size: d("1"), EntryPrice: d("3000"),
		MarkPrice: d(mark), Leverage: 3, PositionID: "ETHUSDT:LONG",
	}
}

func TestUnknownPositionRequestsEscortOnce(t *testing.T) {
	h := newHarness(t)
	h.gw.set(ethShort())

	r := h.sync(t)
	if r.Created != 1 || len(r.Errors) != 0 {
		t.Fatalf("first cycle = %+v", r)
	}
	p := h.external(t)
	if p.Source != db.SourceExternal || p.EscortStatus != db.EscortPendingConfirmation || p.EscortEnabled {
		t.Fatalf("created = %+v", p)
	}
	if p.Direction != db.DirectionShort || !p.FilledSize.Equal(d("2")) {
		t.Errorf("snapshot = %s %s", p.Direction, p.FilledSize)
	}
	ext, err := h.db.Queries().GetExternalPositionByPosition(context.Background(), p.ID)
	if err != nil || ext.MarginMode != "cross" {
		t.Fatalf("external mirror = %+v, err = %v", ext, err)
	}

	// A cycle without exchange-side changes must change nothing.
	r = h.sync(t)
	if r.Created != 0 || r.Closed != 0 || len(r.Errors) != 0 {
		t.Fatalf("second cycle = %+v", r)
	}
	if n := h.events.count(events.KindEscortRequest); n != 1 {
		t.Errorf("ESCORT_REQUEST events = %d, want 1", n)
	}
	if got := h.reload(t, p.ID); got.EscortStatus != db.EscortPendingConfirmation {
		t.Errorf("escort status changed to %s", got.EscortStatus)
	}
	reports, _ := h.db.Queries().ListSyncReports(context.Background(), 10)
	if len(reports) != 2 {
		t.Errorf("sync reports = %d, want 2", len(reports))
	}
}

func TestPlatformPositionIsNotAdopted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := &db.Position{ID: "pos-plat", AccountID: "acc-live", Symbol: "ETHUSDT", Direction: db.DirectionShort,
		Status: db.StatusOpen, Market: db.MarketFutures, TotalSize: d("2"), FilledSize: d("2"), Leverage: 5,
		Source: db.SourcePlatform}
	if err := h.db.Queries().CreatePosition(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.gw.set(ethShort())
	if r := h.sync(t); r.Created != 0 {
		t.Fatalf("platform position adopted as external: %+v", r)
	}
}

func TestConfirmEscortSetsStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethLong("3100"))
	h.sync(t)
	p := h.external(t)

	got, err := h.svc.ConfirmEscort(ctx, p.ID, EscortParams{StopLoss: decimal.NewNullDecimal(d("3500"))})
	if err != nil {
		t.Fatalf("ConfirmEscort: %v", err)
	}
	if !got.EscortEnabled || got.EscortStatus != db.EscortEscorting || !got.StopLoss.Decimal.Equal(d("3500")) {
		t.Fatalf("confirmed = enabled %v status %s stop %v", got.EscortEnabled, got.EscortStatus, got.StopLoss)
	}
	if stored := h.reload(t, p.ID); stored.EscortStatus != db.EscortEscorting || !stored.StopLoss.Valid {
		t.Errorf("not persisted: %+v", stored)
	}
	if n := h.events.count(events.KindEscortStarted); n != 1 {
		t.Errorf("ESCORT_STARTED events = %d", n)
	}
}

func TestEscortTransitionGraph(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethShort())
	h.sync(t)
	p := h.external(t)

	if _, err := h.svc.UpdateEscortParams(ctx, p.ID, EscortParams{}); !errors.Is(err, ErrInvalidEscortTransition) {
		t.Errorf("update while pending: %v", err)
	}
	if _, err := h.svc.CloseExternalPosition(ctx, p.ID, db.CloseManual); !errors.Is(err, ErrInvalidEscortTransition) {
		t.Errorf("close while pending: %v", err)
	}
	if _, err := h.svc.DeclineEscort(ctx, p.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if n := h.events.count(events.KindEscortDeclined); n != 1 {
		t.Errorf("ESCORT_DECLINED events = %d", n)
	}

	_, err := h.svc.ConfirmEscort(ctx, p.ID, EscortParams{})
	var te *TransitionError
	if !errors.As(err, &te) || te.Status != db.EscortIgnored || te.Reason == "" {
		t.Fatalf("confirm after decline: %v", err)
	}
	if _, err := h.svc.DeclineEscort(ctx, "missing"); !errors.Is(err, state.ErrPositionNotFound) {
		t.Errorf("decline unknown: %v", err)
	}

	// An ignored position is never auto-managed, even when a sync sees it again.
	h.sync(t)
	if got := h.reload(t, p.ID); got.EscortStatus != db.EscortIgnored || !got.IsOpen() {
		t.Errorf("ignored position changed: %s %s", got.Status, got.EscortStatus)
	}
}

func TestConfirmRejectsBadParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethLong("3100"))
	h.sync(t)
	p := h.external(t)

	_, err := h.svc.ConfirmEscort(ctx, p.ID, EscortParams{
		StopLoss:   decimal.NewNullDecimal(d("3200")),
		TakeProfit: decimal.NewNullDecimal(d("3100")),
	})
	if !errors.Is(err, ErrInvalidEscortTransition) || !errors.Is(err, ErrInvalidEscortParams) {
		t.Fatalf("inverted SL/TP accepted: %v", err)
	}
	if got := h.reload(t, p.ID); got.EscortStatus != db.EscortPendingConfirmation {
		t.Errorf("rejected confirm changed status to %s", got.EscortStatus)
	}
}

func TestEscortedStopClosesOnExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethLong("3100"))
	h.sync(t)
	p := h.external(t)
	if _, err := h.svc.ConfirmEscort(ctx, p.ID, EscortParams{StopLoss: decimal.NewNullDecimal(d("2900"))}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	h.gw.set(ethLong("2950"))
	if r := h.sync(t); r.Refreshed != 1 {
		t.Fatalf("refresh cycle = %+v", r)
	}
	if got := h.reload(t, p.ID); !got.CurrentPrice.Equal(d("2950")) || !got.IsOpen() {
		t.Fatalf("refresh = %s open=%v", got.CurrentPrice, got.IsOpen())
	}

	h.gw.closeErr = &common.APIError{Status: 500, Msg: "busy"}
	h.gw.set(ethLong("2890"))
	r := h.sync(t)
	if _, ok := r.Errors[p.ID]; !ok {
		t.Fatalf("close failure not reported: %+v", r)
	}
	if got := h.reload(t, p.ID); got.EscortStatus != db.EscortEscorting || !got.IsOpen() {
		t.Fatalf("failed close changed state: %s %s", got.Status, got.EscortStatus)
	}

	h.gw.closeErr = nil
	h.sync(t)
	got := h.reload(t, p.ID)
	if got.IsOpen() || got.CloseReason != db.CloseStopLoss || got.EscortStatus != db.EscortSLHit {
		t.Fatalf("final = %s %s %s", got.Status, got.CloseReason, got.EscortStatus)
	}
	if len(h.gw.closes) != 1 || h.gw.closes[0].PositionSide != common.PositionLong || !h.gw.closes[0].Market {
		t.Errorf("exchange closes = %+v", h.gw.closes)
	}
	// realized = (2890 - 3000) × 1
	if !got.RealizedPnL.Equal(d("-110")) {
		t.Errorf("realized = %s", got.RealizedPnL)
	}
	if n := h.events.count(events.KindStopLossHit); n != 1 {
		t.Errorf("SL_HIT events = %d", n)
	}
}

func TestMissingMarkPriceNeverTriggersExit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethLong("3300"))
	h.sync(t)
	p := h.external(t)
	if _, err := h.svc.ConfirmEscort(ctx, p.ID, EscortParams{StopLoss: decimal.NewNullDecimal(d("2900"))}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	snap := ethLong("0")
	snap.Size = d("1.5")
	h.gw.set(snap)
	r := h.sync(t)
	if r.Skipped != 1 || r.Refreshed != 0 || len(r.Errors) != 0 {
		t.Fatalf("report = %+v", r)
	}
	if len(h.gw.closes) != 0 {
		t.Fatalf("exchange closes = %+v", h.gw.closes)
	}
	got := h.reload(t, p.ID)
	if !got.IsOpen() || got.EscortStatus != db.EscortEscorting {
		t.Fatalf("state = %s %s", got.Status, got.EscortStatus)
	}
	if !got.CurrentPrice.Equal(d("3300")) || !got.FilledSize.Equal(d("1.5")) {
		t.Errorf("price = %s size = %s, want 3300 and 1.5", got.CurrentPrice, got.FilledSize)
	}
	reports, _ := h.db.Queries().ListSyncReports(ctx, 1)
	if len(reports) != 1 || reports[0].Skipped != 1 {
		t.Errorf("stored report = %+v", reports)
	}

	// The stop still fires once a real price arrives.
	h.gw.set(ethLong("2850"))
	h.sync(t)
	if got := h.reload(t, p.ID); got.CloseReason != db.CloseStopLoss || len(h.gw.closes) != 1 {
		t.Errorf("after price = %s closes %d", got.CloseReason, len(h.gw.closes))
	}
}

func TestEscortedTrailingStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethLong("3000"))
	h.sync(t)
	p := h.external(t)
	_, err := h.svc.ConfirmEscort(ctx, p.ID, EscortParams{
		Trailing: &db.TrailingStop{Type: db.TrailingPercent, Distance: d("2")},
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	h.gw.set(ethLong("3300"))
	h.sync(t)
	if got := h.reload(t, p.ID); !got.StopLoss.Valid || !got.StopLoss.Decimal.Equal(d("3234")) {
		t.Fatalf("trailed stop = %v, want 3234", got.StopLoss)
	}

	h.gw.set(ethLong("3200"))
	h.sync(t)
	got := h.reload(t, p.ID)
	if got.CloseReason != db.CloseTrailingStop || got.EscortStatus != db.EscortSLHit {
		t.Fatalf("final = %s %s", got.CloseReason, got.EscortStatus)
	}
}

func TestVanishedPositionsClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethLong("3100"), ethShort())
	h.sync(t)

	ps, _ := h.db.Queries().ListPositions(ctx, db.PositionFilter{Source: db.SourceExternal})
	var long, short string
	for _, p := range ps {
		if p.Direction == db.DirectionLong {
			long = p.ID
		} else {
			short = p.ID
		}
	}
	if _, err := h.svc.ConfirmEscort(ctx, long, EscortParams{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	h.gw.set()
	if r := h.sync(t); r.Closed != 2 {
		t.Fatalf("report = %+v", r)
	}
	if got := h.reload(t, long); got.CloseReason != db.CloseExternal || got.EscortStatus != db.EscortClosedExternally {
		t.Errorf("escorted = %s %s", got.CloseReason, got.EscortStatus)
	}
	if got := h.reload(t, short); got.CloseReason != db.CloseExternal || got.EscortStatus != db.EscortPendingConfirmation {
		t.Errorf("pending = %s %s", got.CloseReason, got.EscortStatus)
	}
	if r := h.sync(t); r.Closed != 0 {
		t.Errorf("second cycle closed %d again", r.Closed)
	}
}

func TestManualCloseUsesTicker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.set(ethLong("3100"))
	h.sync(t)
	p := h.external(t)
	if _, err := h.svc.ConfirmEscort(ctx, p.ID, EscortParams{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got, err := h.svc.CloseExternalPosition(ctx, p.ID, db.CloseManual)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.EscortStatus != db.EscortManualClose || !got.CurrentPrice.Equal(d("3300")) || !got.RealizedPnL.Equal(d("300")) {
		t.Errorf("closed = %s at %s pnl %s", got.EscortStatus, got.CurrentPrice, got.RealizedPnL)
	}
	if _, err := h.svc.CloseExternalPosition(ctx, p.ID, db.CloseManual); !errors.Is(err, ErrInvalidEscortTransition) {
		t.Errorf("second close: %v", err)
	}
	if _, err := h.svc.CloseExternalPosition(ctx, p.ID, db.CloseLiquidation); !errors.Is(err, ErrInvalidEscortTransition) {
		t.Errorf("unsupported reason: %v", err)
	}
}

func TestAccountFailuresAreIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.Queries()
	for _, a := range []db.Account{
		{ID: "acc-broken", Exchange: "binance", ExchangeType: gateway.ExchangeBinanceFutures, IsActive: true, APIKeyEncrypted: "k", APISecretEncrypted: "s"},
		{ID: "acc-nokeys", Exchange: "binance", ExchangeType: gateway.ExchangeBinanceFutures, IsActive: true},
	} {
		if err := q.CreateAccount(ctx, a); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	h.gws.gws["acc-broken"] = &fakeGateway{listErr: &common.APIError{Status: 503, Msg: "down"}}
	h.gw.set(ethShort())

	r := h.sync(t)
	if r.Accounts != 3 || r.Created != 1 {
		t.Fatalf("report = %+v", r)
	}
	if r.Errors["acc-broken"] == "" || r.Errors["acc-nokeys"] == "" {
		t.Errorf("errors = %v", r.Errors)
	}
}

func TestOverlappingSyncReturnsInProgress(t *testing.T) {
	h := newHarness(t)
	h.gw.set(ethShort())
	h.gw.listing = make(chan struct{})
	h.gw.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.SyncAll(context.Background())
		done <- err
	}()
	<-h.gw.listing

	if _, err := h.svc.SyncAll(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("overlapping SyncAll err = %v, want ErrSyncInProgress", err)
	}
	if _, ok := h.svc.LastReport(); ok {
		t.Fatal("report available before any cycle finished")
	}

	close(h.gw.release)
	if err := <-done; err != nil {
		t.Fatalf("first SyncAll: %v", err)
	}
	last, ok := h.svc.LastReport()
	if !ok || last.Created != 1 {
		t.Fatalf("last report = %+v, %v", last, ok)
	}
}
