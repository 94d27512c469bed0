package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestQueriesRequireAccountID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("GetAccount requires accountID", func(t *testing.T) {
		_, err := q.GetAccount(ctx, "")
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("CreatePosition requires accountID", func(t *testing.T) {
		err := q.CreatePosition(ctx, &Position{ID: "p1", Symbol: "BTCUSDT"})
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})

	t.Run("CreateVirtualOrder requires accountID", func(t *testing.T) {
		err := q.CreateVirtualOrder(ctx, &VirtualOrder{ID: "o1", Symbol: "BTCUSDT"})
		if err != ErrAccountIDRequired {
			t.Errorf("expected ErrAccountIDRequired, got %v", err)
		}
	})
}

func TestPositionRoundTrip(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	if err := q.CreateAccount(ctx, Account{ID: "acc-1", IsVirtual: true, IsActive: true, Balance: decimal.RequireFromString("10000")}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	p := &Position{
		ID:               "pos-1",
		AccountID:        "acc-1",
		Symbol:           "BTCUSDT",
		Direction:        DirectionLong,
		Status:           StatusOpen,
		Market:           MarketFutures,
		TotalSize:        decimal.RequireFromString("0.1"),
		FilledSize:       decimal.RequireFromString("0.1"),
		EntryPrice:       decimal.RequireFromString("100050"),
		CurrentPrice:     decimal.RequireFromString("100050"),
		Leverage:         10,
		Margin:           decimal.RequireFromString("1000.5"),
		LiquidationPrice: decimal.RequireFromString("90545.25"),
		StopLoss:         decimal.NewNullDecimal(decimal.RequireFromString("95000")),
		TakeProfitLevels: []TakeProfitLevel{
			{Price: decimal.RequireFromString("105000"), Percent: decimal.NewFromInt(50)},
			{Price: decimal.RequireFromString("110000"), Percent: decimal.NewFromInt(100)},
		},
		Trailing:  &TrailingStop{Type: TrailingPercent, Distance: decimal.NewFromInt(2)},
		Source:    SourcePlatform,
		IsVirtual: true,
	}
	if err := q.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create position: %v", err)
	}

	got, err := q.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !got.EntryPrice.Equal(p.EntryPrice) || !got.Margin.Equal(p.Margin) {
		t.Errorf("decimal fields did not round-trip: %+v", got)
	}
	if !got.StopLoss.Valid || !got.StopLoss.Decimal.Equal(decimal.NewFromInt(95000)) {
		t.Errorf("stop loss = %v", got.StopLoss)
	}
	if got.TakeProfit.Valid {
		t.Errorf("take profit should be null")
	}
	if len(got.TakeProfitLevels) != 2 || !got.TakeProfitLevels[1].Percent.Equal(decimal.NewFromInt(100)) {
		t.Errorf("ladder = %+v", got.TakeProfitLevels)
	}
	if got.Trailing == nil || got.Trailing.Type != TrailingPercent {
		t.Errorf("trailing = %+v", got.Trailing)
	}
	if !got.IsVirtual || got.Direction != DirectionLong || got.Leverage != 10 {
		t.Errorf("scalar fields = %+v", got)
	}
}

func TestUpdatePositionPriceIgnoresClosed(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	p := &Position{ID: "pos-2", AccountID: "acc-1", Symbol: "ETHUSDT", Direction: DirectionShort, Status: StatusOpen, Market: MarketFutures, Leverage: 5, Source: SourcePlatform}
	if err := q.CreatePosition(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := q.UpdatePositionPrice(ctx, "pos-2", decimal.NewFromInt(3500), decimal.NewFromInt(10))
	if err != nil || !ok {
		t.Fatalf("open update: ok=%v err=%v", ok, err)
	}

	p.Status = StatusClosed
	p.CloseReason = CloseManual
	p.ClosedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if err := q.UpdatePosition(ctx, p); err != nil {
		t.Fatalf("close: %v", err)
	}

	ok, err = q.UpdatePositionPrice(ctx, "pos-2", decimal.NewFromInt(3600), decimal.NewFromInt(-10))
	if err != nil {
		t.Fatalf("closed update: %v", err)
	}
	if ok {
		t.Error("price update on a closed position must be a no-op")
	}
}

func TestInTxRollsBack(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.InTx(ctx, func(q *Queries) error {
		if err := q.CreateAccount(ctx, Account{ID: "acc-tx", IsVirtual: true, IsActive: true}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := database.Queries().GetAccount(ctx, "acc-tx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("account should not exist after rollback, got %v", err)
	}
}

func TestVirtualOrderTransitionOnce(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	o := &VirtualOrder{
		ID: "ord-1", AccountID: "acc-1", Symbol: "BTCUSDT", Direction: DirectionLong, Market: MarketFutures,
		Quantity: decimal.RequireFromString("0.5"), Leverage: 5, LimitPrice: decimal.NewFromInt(99000), Status: OrderPending,
	}
	if err := q.CreateVirtualOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	pending, err := q.ListPendingOrders(ctx, "BTCUSDT")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, err = %v", len(pending), err)
	}

	ok, err := q.TransitionVirtualOrder(ctx, "ord-1", OrderFilled, "pos-9", "")
	if err != nil || !ok {
		t.Fatalf("first transition ok=%v err=%v", ok, err)
	}
	ok, err = q.TransitionVirtualOrder(ctx, "ord-1", OrderCancelled, "", "late")
	if err != nil || ok {
		t.Fatalf("second transition should be rejected, ok=%v err=%v", ok, err)
	}

	got, err := q.GetVirtualOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != OrderFilled || got.PositionID != "pos-9" {
		t.Errorf("order = %+v", got)
	}
}

func TestSyncReportErrorsRoundTrip(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	now := time.Now().UTC()
	r := SyncReport{ID: "rep-1", StartedAt: now, FinishedAt: now.Add(time.Second), Accounts: 2, Created: 1,
		Errors: map[string]string{"acc-2": "exchange api error: 503"}}
	if err := q.CreateSyncReport(ctx, r); err != nil {
		t.Fatalf("create report: %v", err)
	}
	reports, err := q.ListSyncReports(ctx, 5)
	if err != nil || len(reports) != 1 {
		t.Fatalf("reports = %d, err = %v", len(reports), err)
	}
	if reports[0].Errors["acc-2"] == "" || reports[0].Created != 1 {
		t.Errorf("report = %+v", reports[0])
	}
}
