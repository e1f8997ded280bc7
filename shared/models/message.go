package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Inbound envelope types
const (
	MessageOrderBookUpdate  = "ORDER_BOOK_UPDATE"
	MessageTradeEvent       = "TRADE_EVENT"
	MessageMarketDataUpdate = "MARKET_DATA_UPDATE"
)

// Outbound envelope types
const (
	MessageSubscribe   = "SUBSCRIBE"
	MessageUnsubscribe = "UNSUBSCRIBE"
)

// Order book update kinds
const (
	BookFullUpdate        = "FULL_UPDATE"
	BookIncrementalUpdate = "INCREMENTAL_UPDATE"
	BookTradeExecuted     = "TRADE_EXECUTED"
)

// Trade event kinds
const (
	TradeExecuted       = "TRADE_EXECUTED"
	TradeOrderMatched   = "ORDER_MATCHED"
	TradeOrderCancelled = "ORDER_CANCELLED"
)

// Market data update kinds
const (
	MarketPriceUpdate  = "PRICE_UPDATE"
	MarketSymbolList   = "SYMBOL_LIST"
	MarketStatusUpdate = "MARKET_STATUS"
)

// Envelope wraps every message exchanged with the market-data service
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	ID        string          `json:"id"`
}

// NewEnvelope marshals payload into a fresh envelope stamped with now
func NewEnvelope(msgType string, payload interface{}, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		ID:        uuid.NewString(),
	}, nil
}

// TopicsPayload is the body of SUBSCRIBE and UNSUBSCRIBE envelopes
type TopicsPayload struct {
	Topics []string `json:"topics"`
}

// OrderBookUpdate is the payload of ORDER_BOOK_UPDATE envelopes
type OrderBookUpdate struct {
	Symbol string          `json:"symbol"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

// OrderBookFull is the data of a FULL_UPDATE
type OrderBookFull struct {
	Symbol string           `json:"symbol"`
	Bids   []OrderBookEntry `json:"bids"`
	Asks   []OrderBookEntry `json:"asks"`
}

// OrderBookDelta is the data of an INCREMENTAL_UPDATE
type OrderBookDelta struct {
	Side   BookSide         `json:"side"`
	Orders []OrderBookEntry `json:"orders"`
}

// TradeEvent is the payload of TRADE_EVENT envelopes
type TradeEvent struct {
	Symbol string `json:"symbol"`
	Type   string `json:"type"`
	Trade  *Trade `json:"trade,omitempty"`
}

// MarketDataUpdate is the payload of MARKET_DATA_UPDATE envelopes
type MarketDataUpdate struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Quote is the latest price summary for one symbol
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
}
