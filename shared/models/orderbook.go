package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookSide identifies one side of an order book
type BookSide string

const (
	BookSideBuy  BookSide = "buy"
	BookSideSell BookSide = "sell"
)

// Valid reports whether s is buy or sell
func (s BookSide) Valid() bool {
	return s == BookSideBuy || s == BookSideSell
}

// OrderBookEntry is one price level. A zero quantity in an update removes the level.
type OrderBookEntry struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
}

// NewOrderBookEntry builds an entry with its total filled in
func NewOrderBookEntry(price, quantity decimal.Decimal) OrderBookEntry {
	return OrderBookEntry{
		Price:    price,
		Quantity: quantity,
		Total:    price.Mul(quantity),
	}
}

// OrderBook is a point-in-time copy of both sides for one symbol
type OrderBook struct {
	Symbol     string           `json:"symbol"`
	Bids       []OrderBookEntry `json:"bids"`
	Asks       []OrderBookEntry `json:"asks"`
	LastUpdate time.Time        `json:"last_update"`
}
