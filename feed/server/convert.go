package server

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/shared/models"
)

// Decimals travel as strings so no precision is lost in the float64 Struct number type.

func levels(entries []models.OrderBookEntry, depth int) []interface{} {
	if depth > 0 && len(entries) > depth {
		entries = entries[:depth]
	}
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"price":    e.Price.String(),
			"quantity": e.Quantity.String(),
			"total":    e.Total.String(),
		})
	}
	return out
}

func bookStruct(book *orderbook.Book, depth int) (*structpb.Struct, error) {
	snap := book.Snapshot()
	fields := map[string]interface{}{
		"symbol":  snap.Symbol,
		"bids":    levels(snap.Bids, depth),
		"asks":    levels(snap.Asks, depth),
		"spread":  book.Spread().String(),
		"crossed": book.Crossed(),
	}
	if bid, ok := book.BestBid(); ok {
		fields["best_bid"] = bid.Price.String()
	}
	if ask, ok := book.BestAsk(); ok {
		fields["best_ask"] = ask.Price.String()
	}
	if mid, ok := book.MidPrice(); ok {
		fields["mid_price"] = mid.String()
	}
	if !snap.LastUpdate.IsZero() {
		fields["last_update"] = snap.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(fields)
}

func statsStruct(symbol string, st models.TradeStatistics) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"symbol":               symbol,
		"total_volume":         st.TotalVolume.String(),
		"total_quantity":       st.TotalQuantity.String(),
		"total_trades":         st.TotalTrades,
		"average_price":        st.AveragePrice.String(),
		"last_price":           st.LastPrice.String(),
		"price_change":         st.PriceChange.String(),
		"price_change_percent": st.PriceChangePercent.String(),
		"high_price":           st.HighPrice.String(),
		"low_price":            st.LowPrice.String(),
	})
}

func connectionStruct(c models.Connection, subs []models.Subscription) (*structpb.Struct, error) {
	topics := make([]interface{}, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, map[string]interface{}{
			"topic":  sub.Topic,
			"active": sub.Active,
		})
	}
	fields := map[string]interface{}{
		"url":               c.URL,
		"status":            string(c.Status),
		"retry_count":       c.RetryCount,
		"failure_count":     c.Health.FailureCount,
		"consecutive_fails": c.Health.ConsecutiveFails,
		"subscriptions":     topics,
	}
	if c.Error != "" {
		fields["error"] = c.Error
	}
	if !c.Health.LastFailureTime.IsZero() {
		fields["last_failure"] = c.Health.LastFailureTime.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(fields)
}
