package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"position-core/internal/balance"
	"position-core/internal/events"
	"position-core/internal/matching"
	"position-core/internal/price"
	"position-core/internal/state"
	"position-core/pkg/config"
	"position-core/pkg/db"
	"position-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fakePrices) set(symbol, px string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = d(px)
}

func (f *fakePrices) Price(_ context.Context, symbol string) (price.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.prices[symbol]
	if !ok {
		return price.Quote{}, price.ErrStaleData
	}
	return price.Quote{Symbol: symbol, Price: px, At: time.Now(), Source: price.SourcePush}, nil
}

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

type fakeGateway struct {
	mu     sync.Mutex
	closes []common.ClosePositionRequest
	err    error
	delay  time.Duration
}

func (g *fakeGateway) GetFuturesPositions(context.Context) ([]common.ExchangePosition, error) {
	return nil, nil
}

func (g *fakeGateway) GetSpotPositions(context.Context) ([]common.ExchangePosition, error) {
	return nil, common.ErrNotSupported
}

func (g *fakeGateway) ClosePosition(_ context.Context, req common.ClosePositionRequest) (common.OrderResult, error) {
	time.Sleep(g.delay)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return common.OrderResult{}, g.err
	}
	g.closes = append(g.closes, req)
	return common.OrderResult{ExchangeOrderID: "x-1", Status: common.StatusFilled}, nil
}

func (g *fakeGateway) GetTicker(context.Context, string) (common.Ticker, error) {
	return common.Ticker{}, nil
}

func (g *fakeGateway) sent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.closes)
}

type fakeGateways struct {
	gw       *fakeGateway
	mu       sync.Mutex
	failures int
}

func (f *fakeGateways) Get(context.Context, string) (common.PositionGateway, error) { return f.gw, nil }
func (f *fakeGateways) RecordSuccess(string)                                        {}

func (f *fakeGateways) RecordFailure(string) {
	f.mu.Lock()
	f.failures++
	f.mu.Unlock()
}

type harness struct {
	db       *db.Database
	engine   *matching.Engine
	monitor  *Monitor
	prices   *fakePrices
	events   *recorder
	gateways *fakeGateways
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
	ctx := context.Background()
	q := database.Queries()
	if err := q.CreateAccount(ctx, db.Account{ID: "acc-1", Exchange: "binance", ExchangeType: "virtual", IsVirtual: true, IsActive: true, Balance: d("100000")}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := q.CreateAccount(ctx, db.Account{ID: "acc-live", Exchange: "binance", ExchangeType: "binance-usdtfut", IsActive: true}); err != nil {
		t.Fatalf("create live account: %v", err)
	}

	rec := &recorder{}
	registry := state.NewRegistry()
	engine := matching.NewEngine(database, balance.NewLedger(database), registry, matching.Config{
		Fees: config.FeeSchedule{
			Spot:    config.FeeRates{Maker: d("0.001"), Taker: d("0.001")},
			Futures: config.FeeRates{Maker: d("0.0002"), Taker: d("0.0004")},
		},
		MaintenanceMargin: d("0.005"),
	}, rec, nil)

	prices := &fakePrices{prices: map[string]decimal.Decimal{}}
	gws := &fakeGateways{gw: &fakeGateway{}}
	mon := New(database, registry, prices, engine, gws, rec, nil, DefaultConfig(), nil)
	return &harness{db: database, engine: engine, monitor: mon, prices: prices, events: rec, gateways: gws}
}

func (h *harness) open(t *testing.T, req matching.MarketOrderRequest) *db.Position {
	t.Helper()
	req.AccountID = "acc-1"
	fill, err := h.engine.ExecuteMarketOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return fill.Position
}

func (h *harness) scan(t *testing.T) ScanReport {
	t.Helper()
	r, err := h.monitor.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return r
}

func (h *harness) position(t *testing.T, id string) *db.Position {
	t.Helper()
	p, err := h.db.Queries().GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	return p
}

func TestLadderClosesInSteps(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, matching.MarketOrderRequest{
		Symbol: "BTCUSDT", Direction: db.DirectionLong, Quantity: d("1"), Leverage: 5, CurrentPrice: d("100000"),
		TakeProfitLevels: []db.TakeProfitLevel{
			{Price: d("105000"), Percent: d("50")},
			{Price: d("110000"), Percent: d("100")},
		},
	})

	h.prices.set("BTCUSDT", "105000")
	if r := h.scan(t); r.PartialCloses != 1 || r.Closed != 0 {
		t.Fatalf("first level report = %+v", r)
	}
	got := h.position(t, p.ID)
	if !got.IsOpen() || !got.FilledSize.Equal(d("0.5")) || got.TakeProfitHits != 1 {
		t.Fatalf("after level 1: open=%v filled=%s hits=%d", got.IsOpen(), got.FilledSize, got.TakeProfitHits)
	}

	h.prices.set("BTCUSDT", "106000")
	if r := h.scan(t); r.Updated != 1 {
		t.Fatalf("between levels report = %+v", r)
	}
	if got := h.position(t, p.ID); !got.CurrentPrice.Equal(d("106000")) || !got.UnrealizedPnL.Equal(d("3000")) {
		t.Errorf("mark not persisted: price=%s upnl=%s", got.CurrentPrice, got.UnrealizedPnL)
	}

	h.prices.set("BTCUSDT", "110000")
	if r := h.scan(t); r.Closed != 1 {
		t.Fatalf("final level report = %+v", r)
	}
	got = h.position(t, p.ID)
	if got.IsOpen() || got.CloseReason != db.CloseTakeProfit {
		t.Fatalf("final state = %s/%s", got.Status, got.CloseReason)
	}
	if n := h.events.count(events.KindTakeProfitHit); n != 2 {
		t.Errorf("TP_HIT events = %d, want 2", n)
	}
	if n := h.events.count(events.KindPositionClosed); n != 1 {
		t.Errorf("POSITION_CLOSED events = %d, want 1", n)
	}
	trades, _ := h.db.Queries().ListTradesByPosition(context.Background(), p.ID)
	if len(trades) != 3 {
		t.Errorf("trades = %d, want open, partial and close", len(trades))
	}
}

func TestTrailingStopTightensThenFires(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, matching.MarketOrderRequest{
		Symbol: "ETHUSDT", Direction: db.DirectionLong, Quantity: d("1"), Leverage: 2, CurrentPrice: d("2000"),
		Trailing: &db.TrailingStop{Type: db.TrailingPercent, Distance: d("2")},
	})

	h.prices.set("ETHUSDT", "2000")
	h.scan(t)
	if got := h.position(t, p.ID); !got.StopLoss.Valid || !got.StopLoss.Decimal.Equal(d("1960")) {
		t.Fatalf("armed stop = %v, want 1960", got.StopLoss)
	}

	h.prices.set("ETHUSDT", "2200")
	h.scan(t)
	if got := h.position(t, p.ID); !got.StopLoss.Decimal.Equal(d("2156")) {
		t.Fatalf("trailed stop = %s, want 2156", got.StopLoss.Decimal)
	}

	h.prices.set("ETHUSDT", "2180")
	h.scan(t)
	if got := h.position(t, p.ID); !got.StopLoss.Decimal.Equal(d("2156")) {
		t.Fatalf("stop loosened to %s", got.StopLoss.Decimal)
	}

	h.prices.set("ETHUSDT", "2150")
	if r := h.scan(t); r.Closed != 1 {
		t.Fatalf("report = %+v", r)
	}
	if got := h.position(t, p.ID); got.CloseReason != db.CloseTrailingStop {
		t.Errorf("close reason = %s", got.CloseReason)
	}
	if n := h.events.count(events.KindStopLossHit); n != 1 {
		t.Errorf("SL_HIT events = %d", n)
	}
}

func TestLiquidationWarningOncePerApproach(t *testing.T) {
	h := newHarness(t)
	// liq = 100000 × (1 - 1/20 + 0.005) = 95500
	h.open(t, matching.MarketOrderRequest{
		Symbol: "BTCUSDT", Direction: db.DirectionLong, Quantity: d("0.01"), Leverage: 20, CurrentPrice: d("100000"),
	})

	for _, step := range []struct {
		price string
		want  int
	}{
		{"100000", 1}, // 4.5% away
		{"99000", 1},
		{"101000", 1}, // 5.45% away re-arms
		{"100000", 2},
	} {
		h.prices.set("BTCUSDT", step.price)
		h.scan(t)
		if n := h.events.count(events.KindLiquidationWarning); n != step.want {
			t.Fatalf("at %s warnings = %d, want %d", step.price, n, step.want)
		}
	}
}

func TestSignalStopIsAuthoritative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.db.Queries()

	p := &db.Position{
		ID: "pos-sig", AccountID: "acc-1", Symbol: "BTCUSDT", Direction: db.DirectionLong, Status: db.StatusOpen,
		Market: db.MarketFutures, TotalSize: d("0.1"), FilledSize: d("0.1"), EntryPrice: d("100000"),
		CurrentPrice: d("100000"), Leverage: 10, Margin: d("1000"), LiquidationPrice: d("90500"),
		StopLoss: decimal.NewNullDecimal(d("90000")), Source: db.SourcePlatform, IsVirtual: true,
	}
	if err := q.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create position: %v", err)
	}
	if err := q.CreateSignal(ctx, db.Signal{ID: "sig-1", PositionID: "pos-sig", Symbol: "BTCUSDT", StopLoss: decimal.NewNullDecimal(d("98000"))}); err != nil {
		t.Fatalf("create signal: %v", err)
	}

	h.prices.set("BTCUSDT", "97000")
	if r := h.scan(t); r.Closed != 1 {
		t.Fatalf("report = %+v", r)
	}
	got := h.position(t, "pos-sig")
	if got.CloseReason != db.CloseStopLoss {
		t.Errorf("close reason = %s", got.CloseReason)
	}
	if got.SignalID != "sig-1" {
		t.Errorf("signal link = %q, want sig-1", got.SignalID)
	}
}

func TestMaxHoldExpiry(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, matching.MarketOrderRequest{
		Symbol: "BTCUSDT", Direction: db.DirectionShort, Quantity: d("0.1"), Leverage: 3, CurrentPrice: d("100000"),
		MaxHold: time.Minute,
	})

	h.prices.set("BTCUSDT", "100500")
	if r := h.scan(t); r.Closed != 0 {
		t.Fatalf("closed before deadline: %+v", r)
	}
	h.monitor.now = func() time.Time { return time.Now().Add(time.Hour) }
	if r := h.scan(t); r.Closed != 1 {
		t.Fatalf("report = %+v", r)
	}
	if got := h.position(t, p.ID); got.CloseReason != db.CloseTimeExit {
		t.Errorf("close reason = %s", got.CloseReason)
	}
}

func TestStalePriceSkipsAndExternalIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, matching.MarketOrderRequest{
		Symbol: "SOLUSDT", Direction: db.DirectionLong, Quantity: d("10"), Leverage: 5, CurrentPrice: d("150"),
	})
	ext := &db.Position{
		ID: "pos-ext", AccountID: "acc-live", Symbol: "BTCUSDT", Direction: db.DirectionLong, Status: db.StatusOpen,
		Market: db.MarketFutures, TotalSize: d("1"), FilledSize: d("1"), EntryPrice: d("100000"), Leverage: 10,
		StopLoss: decimal.NewNullDecimal(d("99000")), Source: db.SourceExternal, EscortStatus: db.EscortPendingConfirmation,
	}
	if err := h.db.Queries().CreatePosition(ctx, ext); err != nil {
		t.Fatalf("create external: %v", err)
	}
	h.prices.set("BTCUSDT", "90000")

	r := h.scan(t)
	if r.Checked != 1 || r.NoPrice != 1 || len(r.Errors) != 0 {
		t.Fatalf("report = %+v", r)
	}
	if got := h.position(t, "pos-ext"); !got.IsOpen() {
		t.Error("external position must not be closed by the monitor")
	}
}

func TestLivePositionClosesThroughGateway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := &db.Position{
		ID: "pos-live", AccountID: "acc-live", Symbol: "BTCUSDT", Direction: db.DirectionShort, Status: db.StatusOpen,
		Market: db.MarketFutures, TotalSize: d("0.2"), FilledSize: d("0.2"), EntryPrice: d("100000"),
		CurrentPrice: d("100000"), Leverage: 5, Margin: d("4000"),
		StopLoss: decimal.NewNullDecimal(d("103000")), Source: db.SourcePlatform,
	}
	if err := h.db.Queries().CreatePosition(ctx, p); err != nil {
		t.Fatalf("create position: %v", err)
	}

	h.gateways.gw.err = &common.APIError{Status: 503, Msg: "unavailable"}
	h.prices.set("BTCUSDT", "103500")
	r := h.scan(t)
	if _, ok := r.Errors["pos-live"]; !ok || h.gateways.failures != 1 {
		t.Fatalf("exchange failure not reported: %+v failures=%d", r, h.gateways.failures)
	}
	if got := h.position(t, "pos-live"); !got.IsOpen() {
		t.Fatal("position closed although the exchange rejected the order")
	}

	h.gateways.gw.err = nil
	if r := h.scan(t); r.Closed != 1 {
		t.Fatalf("report = %+v", r)
	}
	if len(h.gateways.gw.closes) != 1 {
		t.Fatalf("exchange closes = %d", len(h.gateways.gw.closes))
	}
	sent := h.gateways.gw.closes[0]
	if sent.PositionSide != common.PositionShort || !sent.Quantity.Equal(d("0.2")) || !sent.Market {
		t.Errorf("close request = %+v", sent)
	}
	got := h.position(t, "pos-live")
	if got.IsOpen() || got.CloseReason != db.CloseStopLoss {
		t.Errorf("final state = %s/%s", got.Status, got.CloseReason)
	}
}

func TestManualCloseUsesOraclePrice(t *testing.T) {
	h := newHarness(t)
	p := h.open(t, matching.MarketOrderRequest{
		Symbol: "BTCUSDT", Direction: db.DirectionLong, Quantity: d("1"), Leverage: 10, CurrentPrice: d("100000"),
	})
	ctx := context.Background()

	if _, err := h.monitor.ClosePosition(ctx, p.ID, decimal.Zero); err == nil {
		t.Fatal("close without a price should fail")
	}

	h.prices.set("BTCUSDT", "101000")
	res, err := h.monitor.ClosePosition(ctx, p.ID, d("0.4"))
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if res.Full || !res.Quantity.Equal(d("0.4")) {
		t.Fatalf("partial result full=%v qty=%s", res.Full, res.Quantity)
	}

	res, err = h.monitor.ClosePosition(ctx, p.ID, decimal.Zero)
	if err != nil {
		t.Fatalf("full close: %v", err)
	}
	if !res.Full || res.Position.CloseReason != db.CloseManual {
		t.Fatalf("full close result = %+v", res)
	}
	if _, err := h.monitor.ClosePosition(ctx, p.ID, decimal.Zero); err != matching.ErrPositionClosed {
		t.Errorf("second close err = %v, want ErrPositionClosed", err)
	}
}

func createLive(t *testing.T, h *harness, id, symbol string) {
	t.Helper()
	p := &db.Position{
		ID: id, AccountID: "acc-live", Symbol: symbol, Direction: db.DirectionLong, Status: db.StatusOpen,
		Market: db.MarketFutures, TotalSize: d("1"), FilledSize: d("1"), EntryPrice: d("100000"),
		CurrentPrice: d("100000"), Leverage: 5, Margin: d("20000"),
		StopLoss: decimal.NewNullDecimal(d("98000")), Source: db.SourcePlatform,
	}
	if err := h.db.Queries().CreatePosition(context.Background(), p); err != nil {
		t.Fatalf("create position: %v", err)
	}
}

func TestConcurrentLiveClosesSendOneOrder(t *testing.T) {
	h := newHarness(t)
	createLive(t, h, "live-1", "BTCUSDT")
	h.gateways.gw.delay = 50 * time.Millisecond
	h.prices.set("BTCUSDT", "100500")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.monitor.ClosePosition(context.Background(), "live-1", decimal.Zero)
		}()
	}
	wg.Wait()

	if n := h.gateways.gw.sent(); n != 1 {
		t.Fatalf("exchange close orders = %d, want 1", n)
	}
	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, matching.ErrPositionClosed):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("successful closes = %d, want 1", won)
	}
	if got := h.position(t, "live-1"); got.IsOpen() || got.CloseReason != db.CloseManual {
		t.Errorf("final state = %s/%s", got.Status, got.CloseReason)
	}
}

func TestScanIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	virtual := h.open(t, matching.MarketOrderRequest{
		Symbol: "ETHUSDT", Direction: db.DirectionLong, Quantity: d("1"), Leverage: 2, CurrentPrice: d("2000"),
		StopLoss: decimal.NewNullDecimal(d("1900")),
	})
	steady := h.open(t, matching.MarketOrderRequest{
		Symbol: "SOLUSDT", Direction: db.DirectionLong, Quantity: d("10"), Leverage: 2, CurrentPrice: d("150"),
	})
	unpriced := h.open(t, matching.MarketOrderRequest{
		Symbol: "XRPUSDT", Direction: db.DirectionLong, Quantity: d("100"), Leverage: 2, CurrentPrice: d("0.5"),
	})
	createLive(t, h, "live-1", "BTCUSDT")
	h.gateways.gw.err = &common.APIError{Status: 503, Msg: "unavailable"}

	h.prices.set("ETHUSDT", "1890")
	h.prices.set("SOLUSDT", "155")
	h.prices.set("BTCUSDT", "97000")

	r := h.scan(t)
	if r.Checked != 4 || r.Closed != 1 || r.Updated != 1 || r.NoPrice != 1 {
		t.Fatalf("report = %+v", r)
	}
	if _, ok := r.Errors["live-1"]; !ok || len(r.Errors) != 1 {
		t.Fatalf("errors = %v", r.Errors)
	}
	if got := h.position(t, virtual.ID); got.CloseReason != db.CloseStopLoss {
		t.Errorf("virtual close reason = %s", got.CloseReason)
	}
	if got := h.position(t, steady.ID); !got.IsOpen() || !got.CurrentPrice.Equal(d("155")) {
		t.Errorf("steady = %s at %s", got.Status, got.CurrentPrice)
	}
	if got := h.position(t, unpriced.ID); !got.IsOpen() {
		t.Errorf("unpriced position changed: %s", got.Status)
	}
	if got := h.position(t, "live-1"); !got.IsOpen() || !got.CurrentPrice.Equal(d("97000")) {
		t.Errorf("live = %s at %s", got.Status, got.CurrentPrice)
	}
}
