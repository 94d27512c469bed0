package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MONITOR_INTERVAL", "")
	t.Setenv("SLIPPAGE_PCT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MonitorInterval != 5*time.Second {
		t.Errorf("monitor interval = %v", cfg.MonitorInterval)
	}
	if !cfg.SlippagePct.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("slippage = %s", cfg.SlippagePct)
	}
	if !cfg.MaintenanceMargin.Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("maintenance margin = %s", cfg.MaintenanceMargin)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "45s")
	t.Setenv("BINANCE_SYMBOLS", " BTCUSDT , ,SOLUSDT")
	t.Setenv("FEE_OVERRIDE_TAKER", "0.0003")
	t.Setenv("MONITOR_WORKERS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncInterval != 45*time.Second {
		t.Errorf("sync interval = %v", cfg.SyncInterval)
	}
	if len(cfg.BinanceSymbols) != 2 || cfg.BinanceSymbols[1] != "SOLUSDT" {
		t.Errorf("symbols = %v", cfg.BinanceSymbols)
	}
	if !cfg.FeeOverrideTaker.Valid {
		t.Error("taker override not parsed")
	}
	if cfg.MonitorWorkers != 8 {
		t.Errorf("bad int should fall back to default, got %d", cfg.MonitorWorkers)
	}
}

func TestFeeScheduleRate(t *testing.T) {
	s := FeeSchedule{
		Spot:    FeeRates{Maker: decimal.RequireFromString("0.001"), Taker: decimal.RequireFromString("0.001")},
		Futures: FeeRates{Maker: decimal.RequireFromString("0.0002"), Taker: decimal.RequireFromString("0.0004")},
	}
	raw := []byte(`
exchanges:
  okx:
    futures: {maker: "0.0002", taker: "0.0005"}
`)
	if err := ParseFeeSchedule(raw, &s); err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		exchange, market, role string
		want                   string
	}{
		{"binance", MarketFutures, RoleTaker, "0.0004"},
		{"binance", MarketFutures, RoleMaker, "0.0002"},
		{"binance", MarketSpot, RoleTaker, "0.001"},
		{"OKX", MarketFutures, RoleTaker, "0.0005"},
		{"okx", MarketSpot, RoleMaker, "0.001"},
	}
	for _, tt := range tests {
		got := s.Rate(tt.exchange, tt.market, tt.role)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Rate(%s,%s,%s) = %s, want %s", tt.exchange, tt.market, tt.role, got, tt.want)
		}
	}

	s.OverrideTaker = decimal.NewNullDecimal(decimal.RequireFromString("0.0001"))
	if got := s.Rate("okx", MarketFutures, RoleTaker); !got.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("override ignored: %s", got)
	}
}

func TestParseFeeScheduleRejectsBadRate(t *testing.T) {
	var s FeeSchedule
	err := ParseFeeSchedule([]byte("exchanges:\n  binance:\n    spot: {maker: abc, taker: \"0.001\"}\n"), &s)
	if err == nil {
		t.Fatal("expected error for non-numeric maker rate")
	}
}
