package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"position-core/internal/events"
	futures "position-core/pkg/exchanges/binance/futures_usdt"
	binance "position-core/pkg/market/binance"
)

func waitTick(t *testing.T, ch <-chan any) events.PriceTick {
	t.Helper()
	select {
	case msg := <-ch:
		tick, ok := msg.(events.PriceTick)
		if !ok {
			t.Fatalf("unexpected bus payload %T", msg)
		}
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("no tick published")
	}
	return events.PriceTick{}
}

func TestFeedPublishesStreamTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "btcusdt@miniTicker") {
			http.Error(w, "bad stream", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frame := `{"stream":"btcusdt@miniTicker","data":{"E":1700000000000,"s":"BTCUSDT","c":"101234.5"}}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	stream := binance.NewStreamClient(false, nil)
	stream.StreamURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventPriceTick, 8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Feed{Stream: stream, Bus: bus, Symbols: []string{"BTCUSDT"}}).Start(ctx)

	tick := waitTick(t, ch)
	if tick.Symbol != "BTCUSDT" || !tick.Price.Equal(decimal.RequireFromString("101234.5")) {
		t.Errorf("tick = %+v", tick)
	}
	if tick.Time.UnixMilli() != 1700000000000 {
		t.Errorf("tick time = %v", tick.Time)
	}
}

type fixedPoll decimal.Decimal

func (p fixedPoll) TickerPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Decimal(p), nil
}

func TestFeedPollsWhileStreamIsDown(t *testing.T) {
	stream := binance.NewStreamClient(false, nil)
	stream.StreamURL = "ws://127.0.0.1:1/stream"

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventPriceTick, 8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Feed{
		Stream:         stream,
		Poll:           fixedPoll(decimal.NewFromInt(3500)),
		Bus:            bus,
		Symbols:        []string{"ETHUSDT"},
		PollInterval:   20 * time.Millisecond,
		ReconnectDelay: time.Hour,
	}).Start(ctx)

	tick := waitTick(t, ch)
	if tick.Symbol != "ETHUSDT" || !tick.Price.Equal(decimal.NewFromInt(3500)) {
		t.Errorf("tick = %+v", tick)
	}
}

func TestMockFeedWalksFromStartPrice(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventPriceTick, 8)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&MockFeed{Bus: bus, Symbols: []string{"ETHUSDT"}, StepPercent: 1, Interval: 10 * time.Millisecond}).Start(ctx)

	tick := waitTick(t, ch)
	low, high := decimal.NewFromInt(3465), decimal.NewFromInt(3535)
	if tick.Price.LessThan(low) || tick.Price.GreaterThan(high) {
		t.Errorf("first step %s outside 1%% of 3500", tick.Price)
	}
}

type premiums map[string]futures.PremiumIndex

func (p premiums) GetPremiumIndex(_ context.Context, symbol string) (futures.PremiumIndex, error) {
	idx, ok := p[symbol]
	if !ok {
		return futures.PremiumIndex{}, errors.New("unknown symbol")
	}
	return idx, nil
}

type settlerCall struct {
	symbol     string
	rate, mark decimal.Decimal
}

type fakeSettler struct{ calls []settlerCall }

func (s *fakeSettler) ProcessFundingSettlement(_ context.Context, symbol string, rate, mark decimal.Decimal) (int, error) {
	s.calls = append(s.calls, settlerCall{symbol, rate, mark})
	return 1, nil
}

func TestFundingJobFeedsSettler(t *testing.T) {
	src := premiums{"BTCUSDT": {Symbol: "BTCUSDT", MarkPrice: decimal.NewFromInt(100000), LastFundingRate: decimal.RequireFromString("0.0001")}}
	settler := &fakeSettler{}

	err := FundingJob(src, settler, []string{"BTCUSDT", "DOGEUSDT"}, nil)(context.Background())
	if err == nil || !strings.Contains(err.Error(), "DOGEUSDT") {
		t.Errorf("missing per-symbol error: %v", err)
	}
	if len(settler.calls) != 1 || !settler.calls[0].rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("calls = %+v", settler.calls)
	}
}
