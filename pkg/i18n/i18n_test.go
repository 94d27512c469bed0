package i18n

import "testing"

func TestRender(t *testing.T) {
	got := Render(For(LangEN).StopLossHit, map[string]string{"symbol": "BTCUSDT", "price": "95000", "pnl": "-505"})
	want := "🛑 Stop loss hit: BTCUSDT @ 95000, PnL -505"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestForFallsBackToEnglish(t *testing.T) {
	if For("fr").ActionAccept != "Escort" {
		t.Error("unknown language should use English")
	}
	if For(LangZH).Get("ActionDecline") != "忽略" {
		t.Error("Get should resolve field by name")
	}
	if For(LangEN).Get("Missing") != "Missing" {
		t.Error("unknown key should echo back")
	}
}
