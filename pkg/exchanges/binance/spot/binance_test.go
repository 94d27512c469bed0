package spot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSpotPositionsSkipDustAndUnpricedAssets(t *testing.T) {
	prices := map[string]string{
		"BTCUSDT":  "60000",
		"ETHUSDT":  "3000",
		"DOGEUSDT": "0.1",
		"ZEROUSDT": "0",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			_ = json.NewEncoder(w).Encode(map[string]int64{"serverTime": time.Now().UnixMilli()})
		case "/api/v3/account":
			if r.Header.Get("X-MBX-APIKEY") != "key" || r.URL.Query().Get("signature") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"canTrade":true,"updateTime":1700000000000,"balances":[
				{"asset":"USDT","free":"500","locked":"0"},
				{"asset":"BTC","free":"0.01","locked":"0"},
				{"asset":"ETH","free":"0.5","locked":"0.5"},
				{"asset":"DOGE","free":"20","locked":"0"},
				{"asset":"LDBTC","free":"1","locked":"0"},
				{"asset":"ZERO","free":"5","locked":"0"}]}`))
		case "/api/v3/ticker/price":
			sym := r.URL.Query().Get("symbol")
			px, ok := prices[sym]
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"symbol": sym, "price": px})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, nil)
	got, err := c.GetSpotPositions(context.Background())
	if err != nil {
		t.Fatalf("GetSpotPositions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("positions = %+v, want BTC and ETH only", got)
	}
	want := map[string]string{"BTCUSDT": "0.01", "ETHUSDT": "1"}
	for _, p := range got {
		size, ok := want[p.Symbol]
		if !ok || !p.Size.Equal(decimal.RequireFromString(size)) {
			t.Errorf("unexpected position %s size %s", p.Symbol, p.Size)
		}
		if !p.MarkPrice.IsPositive() || p.PositionID != p.Symbol+":SPOT" {
			t.Errorf("position %+v", p)
		}
	}

	c.cfg.MinNotional = decimal.NewFromInt(1000)
	got, err = c.GetSpotPositions(context.Background())
	if err != nil || len(got) != 1 || got[0].Symbol != "ETHUSDT" {
		t.Fatalf("with a 1000 minimum: %+v, %v", got, err)
	}
}
