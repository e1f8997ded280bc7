package models

import (
	"fmt"
	"sort"
	"strings"
)

// Rule is one declarative check on a field of T
type Rule[T any] struct {
	Field   string
	Message string
	Check   func(T) bool
}

// FieldErrors maps a field name to the first rule it failed
type FieldErrors map[string]string

// Error renders the field errors in a stable order
func (fe FieldErrors) Error() string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, fe[f]))
	}
	return strings.Join(parts, "; ")
}

// Validate runs every rule against v. A nil result means v is valid.
func Validate[T any](v T, rules []Rule[T]) FieldErrors {
	var errs FieldErrors
	for _, r := range rules {
		if _, seen := errs[r.Field]; seen {
			continue
		}
		if r.Check(v) {
			continue
		}
		if errs == nil {
			errs = make(FieldErrors)
		}
		errs[r.Field] = r.Message
	}
	return errs
}

// TradeRules validates the shape of an inbound trade
var TradeRules = []Rule[Trade]{
	{Field: "id", Message: "must not be empty", Check: func(t Trade) bool { return strings.TrimSpace(t.ID) != "" }},
	{Field: "symbol", Message: "must not be empty", Check: func(t Trade) bool { return strings.TrimSpace(t.Symbol) != "" }},
	{Field: "price", Message: "must be positive", Check: func(t Trade) bool { return t.Price.IsPositive() }},
	{Field: "quantity", Message: "must be positive", Check: func(t Trade) bool { return t.Quantity.IsPositive() }},
	{Field: "side", Message: "must be BUY or SELL", Check: func(t Trade) bool { return t.Side.Valid() }},
}

// EntryRules validates a price level from an order book update
var EntryRules = []Rule[OrderBookEntry]{
	{Field: "price", Message: "must be positive", Check: func(e OrderBookEntry) bool { return e.Price.IsPositive() }},
	{Field: "quantity", Message: "must not be negative", Check: func(e OrderBookEntry) bool { return !e.Quantity.IsNegative() }},
}

// QuoteRules validates a price summary from a market-data update
var QuoteRules = []Rule[Quote]{
	{Field: "symbol", Message: "must not be empty", Check: func(q Quote) bool { return q.Symbol != "" }},
	{Field: "price", Message: "must be positive", Check: func(q Quote) bool { return q.Price.IsPositive() }},
	{Field: "volume", Message: "must not be negative", Check: func(q Quote) bool { return !q.Volume.IsNegative() }},
}
