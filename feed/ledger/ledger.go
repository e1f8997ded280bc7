package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linluma/marketfeed/shared/models"
)

// DefaultCapacity is the default trade window size
const DefaultCapacity = 500

var hundred = decimal.NewFromInt(100)

// Ledger keeps a bounded newest-first window of trades for one symbol
type Ledger struct {
	mu       sync.RWMutex
	symbol   string
	capacity int
	trades   []models.Trade // head is newest
	ids      map[string]struct{}
}

// New creates an empty ledger
func New(symbol string, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		symbol:   models.NormalizeSymbol(symbol),
		capacity: capacity,
		ids:      make(map[string]struct{}),
	}
}

// Record validates trade and inserts it at the head of the window.
// A rejected trade leaves the ledger untouched and returns a *models.DataError.
func (l *Ledger) Record(trade models.Trade) error {
	if errs := models.Validate(trade, models.TradeRules); errs != nil {
		return &models.DataError{Reason: "invalid trade", Symbol: trade.Symbol, Fields: errs}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	symbol := models.NormalizeSymbol(trade.Symbol)
	if symbol != l.symbol {
		return &models.DataError{
			Reason: "trade for another symbol",
			Symbol: symbol,
			Fields: models.FieldErrors{"symbol": "must be " + l.symbol},
		}
	}
	if _, dup := l.ids[trade.ID]; dup {
		return &models.DataError{
			Reason: "duplicate trade",
			Symbol: symbol,
			Fields: models.FieldErrors{"id": "already recorded: " + trade.ID},
		}
	}

	trade.Symbol = symbol
	l.trades = append(l.trades, models.Trade{})
	copy(l.trades[1:], l.trades)
	l.trades[0] = trade
	l.ids[trade.ID] = struct{}{}

	for len(l.trades) > l.capacity {
		evicted := l.trades[len(l.trades)-1]
		delete(l.ids, evicted.ID)
		l.trades = l.trades[:len(l.trades)-1]
	}
	return nil
}

// Statistics recomputes the derived figures from the current window
func (l *Ledger) Statistics() models.TradeStatistics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return computeStatistics(l.trades)
}

func computeStatistics(trades []models.Trade) models.TradeStatistics {
	if len(trades) == 0 {
		return models.TradeStatistics{}
	}

	newest := trades[0]
	oldest := trades[len(trades)-1]

	stats := models.TradeStatistics{
		TotalTrades: len(trades),
		LastPrice:   newest.Price,
		HighPrice:   newest.Price,
		LowPrice:    newest.Price,
		PriceChange: newest.Price.Sub(oldest.Price),
	}

	volume := decimal.Zero
	quantity := decimal.Zero
	for _, t := range trades {
		volume = volume.Add(t.Notional())
		quantity = quantity.Add(t.Quantity)
		if t.Price.GreaterThan(stats.HighPrice) {
			stats.HighPrice = t.Price
		}
		if t.Price.LessThan(stats.LowPrice) {
			stats.LowPrice = t.Price
		}
	}

	stats.TotalVolume = volume.Round(2)
	stats.TotalQuantity = quantity
	if quantity.IsPositive() {
		stats.AveragePrice = volume.Div(quantity).Round(4)
	}
	if oldest.Price.IsPositive() {
		stats.PriceChangePercent = stats.PriceChange.Div(oldest.Price).Mul(hundred).Round(2)
	}
	return stats
}

// Trades returns a copy of the window, newest first
func (l *Ledger) Trades() []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.Trade{}, l.trades...)
}

// Recent returns at most n of the newest trades
func (l *Ledger) Recent(n int) []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.trades) {
		n = len(l.trades)
	}
	if n <= 0 {
		return []models.Trade{}
	}
	return append([]models.Trade{}, l.trades[:n]...)
}

// BySide returns the trades on one side, newest first
func (l *Ledger) BySide(side models.Side) []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []models.Trade{}
	for _, t := range l.trades {
		if t.Side == side {
			out = append(out, t)
		}
	}
	return out
}

// InRange returns trades with from <= timestamp <= to, newest first
func (l *Ledger) InRange(from, to time.Time) []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []models.Trade{}
	for _, t := range l.trades {
		if t.Timestamp.Before(from) || t.Timestamp.After(to) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// LastPrice returns the newest trade price
func (l *Ledger) LastPrice() (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.trades) == 0 {
		return decimal.Decimal{}, false
	}
	return l.trades[0].Price, true
}

// TrendingUp compares the newest price with the price lookback trades ago.
// ok is false while the window holds fewer than lookback trades.
func (l *Ledger) TrendingUp(lookback int) (up bool, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lookback <= 0 || len(l.trades) < lookback {
		return false, false
	}
	return l.trades[0].Price.GreaterThan(l.trades[lookback-1].Price), true
}

// Len returns the number of trades in the window
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}

// Capacity returns the window bound
func (l *Ledger) Capacity() int {
	return l.capacity
}

// Symbol returns the tracked symbol
func (l *Ledger) Symbol() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.symbol
}

// Reset empties the window and switches to symbol
func (l *Ledger) Reset(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.symbol = models.NormalizeSymbol(symbol)
	l.trades = nil
	l.ids = make(map[string]struct{})
}
