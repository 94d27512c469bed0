package market

import "github.com/shopspring/decimal"

// Ticker holds lightweight price info for streaming.
type Ticker struct {
	Symbol string
	Price  decimal.Decimal
	Time   int64 // ms
}
