// Package orderbook merges full snapshots and incremental deltas into a
// depth-bounded two-sided book for one symbol.
//
// Updates are applied strictly in the order they are handed in. No sequence
// numbers are modeled, so a full snapshot overwrites whatever arrived before
// it and a delta that the server produced earlier but delivered later cannot
// be detected.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linluma/marketfeed/shared/models"
)

// DefaultDepth is the number of levels kept per side
const DefaultDepth = 20

var two = decimal.NewFromInt(2)

// Result summarizes one apply call
type Result struct {
	Ignored  bool // symbol did not match or side is unknown
	Applied  int
	Rejected []models.FieldErrors
}

// Book holds bids (price descending) and asks (price ascending) for one symbol
type Book struct {
	mu         sync.RWMutex
	symbol     string
	depth      int
	bids       []models.OrderBookEntry
	asks       []models.OrderBookEntry
	lastUpdate time.Time
	synced     bool
	now        func() time.Time
}

// NewBook creates an empty book
func NewBook(symbol string, depth int, now func() time.Time) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if now == nil {
		now = time.Now
	}
	return &Book{
		symbol: models.NormalizeSymbol(symbol),
		depth:  depth,
		now:    now,
	}
}

// ApplyFullSnapshot replaces both sides wholesale
func (b *Book) ApplyFullSnapshot(symbol string, bids, asks []models.OrderBookEntry) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if models.NormalizeSymbol(symbol) != b.symbol {
		return Result{Ignored: true}
	}

	var res Result
	b.bids = b.buildSide(bids, models.BookSideBuy, &res)
	b.asks = b.buildSide(asks, models.BookSideSell, &res)
	b.lastUpdate = b.now()
	b.synced = true
	return res
}

// ApplyIncremental upserts or removes levels on one side
func (b *Book) ApplyIncremental(symbol string, side models.BookSide, entries []models.OrderBookEntry) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if models.NormalizeSymbol(symbol) != b.symbol || !side.Valid() {
		return Result{Ignored: true}
	}

	levels := b.sideLocked(side)
	var res Result
	for _, e := range entries {
		if errs := models.Validate(e, models.EntryRules); errs != nil {
			res.Rejected = append(res.Rejected, errs)
			continue
		}

		idx := indexOf(levels, e.Price)
		switch {
		case idx >= 0 && e.Quantity.IsZero():
			levels = append(levels[:idx], levels[idx+1:]...)
		case idx >= 0:
			levels[idx] = models.NewOrderBookEntry(levels[idx].Price, e.Quantity)
		case e.Quantity.IsPositive():
			levels = append(levels, models.NewOrderBookEntry(e.Price, e.Quantity))
		}
		res.Applied++
	}

	sortSide(levels, side)
	levels = truncate(levels, b.depth)
	if side == models.BookSideBuy {
		b.bids = levels
	} else {
		b.asks = levels
	}
	b.lastUpdate = b.now()
	return res
}

// Reset clears both sides and switches to symbol
func (b *Book) Reset(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.symbol = models.NormalizeSymbol(symbol)
	b.bids = nil
	b.asks = nil
	b.lastUpdate = time.Time{}
	b.synced = false
}

// Symbol returns the tracked symbol
func (b *Book) Symbol() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.symbol
}

// Depth returns the configured maximum levels per side
func (b *Book) Depth() int {
	return b.depth
}

// Synced reports whether a full snapshot has been applied since the last reset
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// BestBid returns the highest bid
func (b *Book) BestBid() (models.OrderBookEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return models.OrderBookEntry{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask
func (b *Book) BestAsk() (models.OrderBookEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return models.OrderBookEntry{}, false
	}
	return b.asks[0], true
}

// Spread returns best ask - best bid, or zero when either side is empty
func (b *Book) Spread() decimal.Decimal {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero
	}
	return ask.Price.Sub(bid.Price)
}

// MidPrice returns the average of best bid and best ask; false when either is missing
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(two), true
}

// Crossed reports best bid >= best ask. Upstream is assumed never to send a
// crossed book; this is checked, not enforced.
func (b *Book) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}

// DepthAt returns the resting quantity at price, zero if the level is absent
func (b *Book) DepthAt(side models.BookSide, price decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	levels := b.asks
	if side == models.BookSideBuy {
		levels = b.bids
	}
	if idx := indexOf(levels, price); idx >= 0 {
		return levels[idx].Quantity
	}
	return decimal.Zero
}

// Levels returns the total number of price levels on both sides
func (b *Book) Levels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids) + len(b.asks)
}

// LastUpdate returns when the book last changed
func (b *Book) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// Bids returns a copy of the bid side
func (b *Book) Bids() []models.OrderBookEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.OrderBookEntry(nil), b.bids...)
}

// Asks returns a copy of the ask side
func (b *Book) Asks() []models.OrderBookEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.OrderBookEntry(nil), b.asks...)
}

// Snapshot returns a copy of the whole book
func (b *Book) Snapshot() models.OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return models.OrderBook{
		Symbol:     b.symbol,
		Bids:       append([]models.OrderBookEntry{}, b.bids...),
		Asks:       append([]models.OrderBookEntry{}, b.asks...),
		LastUpdate: b.lastUpdate,
	}
}

func (b *Book) sideLocked(side models.BookSide) []models.OrderBookEntry {
	src := b.asks
	if side == models.BookSideBuy {
		src = b.bids
	}
	return append(make([]models.OrderBookEntry, 0, len(src)+1), src...)
}

// buildSide filters, dedupes (last wins), sorts and truncates snapshot levels
func (b *Book) buildSide(entries []models.OrderBookEntry, side models.BookSide, res *Result) []models.OrderBookEntry {
	levels := make([]models.OrderBookEntry, 0, len(entries))
	for _, e := range entries {
		if errs := models.Validate(e, models.EntryRules); errs != nil {
			res.Rejected = append(res.Rejected, errs)
			continue
		}
		// A zero level in a snapshot is an absent level
		if e.Quantity.IsZero() {
			continue
		}
		entry := models.NewOrderBookEntry(e.Price, e.Quantity)
		if idx := indexOf(levels, e.Price); idx >= 0 {
			levels[idx] = entry
		} else {
			levels = append(levels, entry)
		}
		res.Applied++
	}
	sortSide(levels, side)
	return truncate(levels, b.depth)
}

func indexOf(levels []models.OrderBookEntry, price decimal.Decimal) int {
	for i := range levels {
		if levels[i].Price.Equal(price) {
			return i
		}
	}
	return -1
}

func sortSide(levels []models.OrderBookEntry, side models.BookSide) {
	if side == models.BookSideBuy {
		sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) })
		return
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
}

func truncate(levels []models.OrderBookEntry, depth int) []models.OrderBookEntry {
	if len(levels) > depth {
		return levels[:depth]
	}
	return levels
}
