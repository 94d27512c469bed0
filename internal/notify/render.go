package notify

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"position-core/internal/events"
	"position-core/pkg/i18n"
)

// Render turns an event into a title and a localized message body.
func Render(m *i18n.Messages, l events.Lifecycle) (string, string) {
	vars := map[string]string{
		"symbol":    l.Symbol,
		"direction": l.Direction,
	}
	var tmpl string
	switch p := l.Payload.(type) {
	case events.OrderFilled:
		tmpl = m.OrderFilled
		vars["price"] = num(p.Price)
		vars["quantity"] = num(p.Quantity)
		vars["fee"] = num(p.Fee)
	case events.PositionOpened:
		tmpl = m.PositionOpened
		vars["price"] = num(p.EntryPrice)
		vars["leverage"] = strconv.Itoa(p.Leverage)
	case events.PositionClosed:
		tmpl = m.PositionClosed
		vars["price"] = num(p.ExitPrice)
		vars["pnl"] = num(p.RealizedPnL)
		vars["reason"] = p.Reason
	case events.TakeProfitHit:
		tmpl = m.TakeProfitHit
		vars["price"] = num(p.Price)
		vars["percent"] = num(p.Percent)
		vars["pnl"] = num(p.RealizedPnL)
	case events.StopLossHit:
		tmpl = m.StopLossHit
		vars["price"] = num(p.Price)
		vars["pnl"] = num(p.RealizedPnL)
	case events.LiquidationWarning:
		tmpl = m.LiquidationWarning
		vars["price"] = num(p.Price)
		vars["leverage"] = strconv.Itoa(p.Leverage)
		vars["distance"] = p.DistancePercent.StringFixed(2)
		vars["liquidation"] = num(p.LiquidationPrice)
	case events.EscortRequest:
		tmpl = m.EscortRequest
		vars["size"] = num(p.Size)
		vars["price"] = num(p.EntryPrice)
		labels := make([]string, 0, len(p.Actions))
		for _, a := range p.Actions {
			labels = append(labels, actionLabel(m, a))
		}
		if len(labels) > 0 {
			tmpl += " [" + strings.Join(labels, " | ") + "]"
		}
	case events.EscortStarted:
		tmpl = m.EscortStarted
		vars["stop_loss"] = optional(p.StopLoss)
		vars["take_profit"] = optional(p.TakeProfit)
	case events.EscortDeclined:
		tmpl = m.EscortDeclined
	default:
		return string(l.Kind()), l.Symbol
	}
	return string(l.Kind()), i18n.Render(tmpl, vars)
}

func actionLabel(m *i18n.Messages, action string) string {
	switch action {
	case events.ActionAccept:
		return m.ActionAccept
	case events.ActionDecline:
		return m.ActionDecline
	case events.ActionConfigure:
		return m.ActionConfigure
	}
	return action
}

func num(v decimal.Decimal) string {
	return v.Round(8).String()
}

func optional(v *decimal.Decimal) string {
	if v == nil {
		return "-"
	}
	return num(*v)
}
