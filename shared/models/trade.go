package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the aggressor side of an executed trade
type Side string

// Supported trade sides
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade represents a single executed trade for one symbol
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notional returns price x quantity
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// TradeStatistics is derived from the current trade window and never stored
type TradeStatistics struct {
	TotalVolume        decimal.Decimal `json:"total_volume"`
	TotalQuantity      decimal.Decimal `json:"total_quantity"`
	TotalTrades        int             `json:"total_trades"`
	AveragePrice       decimal.Decimal `json:"average_price"`
	LastPrice          decimal.Decimal `json:"last_price"`
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	HighPrice          decimal.Decimal `json:"high_price"`
	LowPrice           decimal.Decimal `json:"low_price"`
}

// NormalizeSymbol trims and upper-cases a symbol or topic
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
