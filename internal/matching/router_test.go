package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"position-core/internal/events"
	"position-core/pkg/db"
)

func TestRunFillsThenStopsOut(t *testing.T) {
	h := newHarness(t, "10000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	order, err := h.engine.CreateLimitOrder(ctx, LimitOrderRequest{
		AccountID: "acc-1", Symbol: "BTCUSDT", Direction: db.DirectionLong,
		Quantity: d("0.1"), Leverage: 10, LimitPrice: d("99000"),
		StopLoss: decimal.NewNullDecimal(d("98000")),
	})
	if err != nil {
		t.Fatalf("CreateLimitOrder: %v", err)
	}

	bus := events.NewBus()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.Run(ctx, bus)
	}()

	// Run subscribes asynchronously; republish until the order fills.
	deadline := time.Now().Add(5 * time.Second)
	var filled *db.VirtualOrder
	for time.Now().Before(deadline) {
		bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: "BTCUSDT", Price: d("98900"), Time: time.Now()})
		time.Sleep(10 * time.Millisecond)
		o, err := h.db.Queries().GetVirtualOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if o.Status == db.OrderFilled {
			filled = o
			break
		}
	}
	if filled == nil {
		t.Fatal("order never filled")
	}

	bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: "BTCUSDT", Price: d("97900"), Time: time.Now()})
	var pos *db.Position
	for time.Now().Before(deadline) {
		pos, err = h.db.Queries().GetPosition(ctx, filled.PositionID)
		if err != nil {
			t.Fatalf("get position: %v", err)
		}
		if !pos.IsOpen() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pos.IsOpen() || pos.CloseReason != db.CloseStopLoss {
		t.Fatalf("position = %s/%s, want closed on the stop", pos.Status, pos.CloseReason)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
