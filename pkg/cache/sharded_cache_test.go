package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSetAtKeepsNewest(t *testing.T) {
	c := NewShardedPriceCache()
	now := time.Now()

	c.SetAt("BTCUSDT", decimal.NewFromInt(100000), now)
	c.SetAt("BTCUSDT", decimal.NewFromInt(90000), now.Add(-time.Second))

	got, ok := c.Get("BTCUSDT")
	if !ok {
		t.Fatal("expected entry")
	}
	if !got.Price.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("older tick replaced newer one: %s", got.Price)
	}
}

func TestCleanupRemovesStale(t *testing.T) {
	c := NewShardedPriceCache()
	c.SetAt("OLD", decimal.NewFromInt(1), time.Now().Add(-time.Hour))
	c.Set("NEW", decimal.NewFromInt(2))

	if removed := c.Cleanup(time.Minute); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("NEW"); !ok {
		t.Error("fresh entry should survive cleanup")
	}
}
