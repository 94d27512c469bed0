package i18n

import (
	"reflect"
	"strings"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds the notification templates. Placeholders use {name} and are
// filled by Render.
type Messages struct {
	OrderFilled        string
	PositionOpened     string
	PositionClosed     string
	TakeProfitHit      string
	StopLossHit        string
	LiquidationWarning string
	EscortRequest      string
	EscortStarted      string
	EscortDeclined     string

	// Action labels attached to escort requests
	ActionAccept    string
	ActionDecline   string
	ActionConfigure string
}

var messagesEN = Messages{
	OrderFilled:        "✅ Order filled: {direction} {quantity} {symbol} @ {price} (fee {fee})",
	PositionOpened:     "📈 Position opened: {direction} {symbol} x{leverage} entry {price}",
	PositionClosed:     "🏁 Position closed: {symbol} {direction} @ {price}, PnL {pnl} ({reason})",
	TakeProfitHit:      "🎯 Take profit hit: {symbol} closed {percent}% @ {price}, PnL {pnl}",
	StopLossHit:        "🛑 Stop loss hit: {symbol} @ {price}, PnL {pnl}",
	LiquidationWarning: "⚠️ Liquidation risk: {symbol} x{leverage} price {price} is {distance}% from liquidation {liquidation}",
	EscortRequest:      "🔍 New external position: {direction} {size} {symbol} entry {price}. Escort it?",
	EscortStarted:      "🛡️ Escort started for {symbol} {direction} (SL {stop_loss}, TP {take_profit})",
	EscortDeclined:     "🙈 Escort declined for {symbol} {direction}; position stays visible",
	ActionAccept:       "Escort",
	ActionDecline:      "Ignore",
	ActionConfigure:    "Configure",
}

var messagesZH = Messages{
	OrderFilled:        "✅ 訂單成交：{direction} {quantity} {symbol} @ {price}（手續費 {fee}）",
	PositionOpened:     "📈 開倉：{direction} {symbol} x{leverage} 入場價 {price}",
	PositionClosed:     "🏁 平倉：{symbol} {direction} @ {price}，盈虧 {pnl}（{reason}）",
	TakeProfitHit:      "🎯 觸發止盈：{symbol} 平倉 {percent}% @ {price}，盈虧 {pnl}",
	StopLossHit:        "🛑 觸發止損：{symbol} @ {price}，盈虧 {pnl}",
	LiquidationWarning: "⚠️ 強平風險：{symbol} x{leverage} 價格 {price} 距強平價 {liquidation} 僅 {distance}%",
	EscortRequest:      "🔍 發現外部持倉：{direction} {size} {symbol} 入場價 {price}，是否護航？",
	EscortStarted:      "🛡️ 已開始護航 {symbol} {direction}（止損 {stop_loss}，止盈 {take_profit}）",
	EscortDeclined:     "🙈 已忽略 {symbol} {direction}，持倉仍可查看",
	ActionAccept:       "護航",
	ActionDecline:      "忽略",
	ActionConfigure:    "設定",
}

// For returns the catalog of lang, falling back to English.
func For(lang Language) *Messages {
	if lang == LangZH {
		return &messagesZH
	}
	return &messagesEN
}

// Get returns a template by field name using reflection; unknown keys echo back.
func (m *Messages) Get(key string) string {
	v := reflect.ValueOf(m).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}

// Render substitutes {name} placeholders from vars.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
