// Package quotes keeps the latest price summary for every symbol seen in
// market-data updates.
package quotes

import (
	"sort"
	"sync"
	"time"

	"github.com/linluma/marketfeed/shared/models"
)

// Board maps symbol to its latest quote
type Board struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
	now    func() time.Time
}

// NewBoard creates an empty board
func NewBoard(now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	return &Board{
		quotes: make(map[string]models.Quote),
		now:    now,
	}
}

// ApplyPrice upserts one quote under symbol
func (b *Board) ApplyPrice(symbol string, q models.Quote) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putLocked(symbol, q)
}

// ApplyList upserts every quote keyed by its own symbol. Invalid entries are
// skipped; the first failure is returned.
func (b *Board) ApplyList(list []models.Quote) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		applied  int
		firstErr error
	)
	for _, q := range list {
		if err := b.putLocked(q.Symbol, q); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied++
	}
	return applied, firstErr
}

// Remove drops quotes for symbols
func (b *Board) Remove(symbols ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		delete(b.quotes, models.NormalizeSymbol(s))
	}
}

// Get returns the quote for symbol
func (b *Board) Get(symbol string) (models.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[models.NormalizeSymbol(symbol)]
	return q, ok
}

// All returns every quote sorted by symbol
func (b *Board) All() []models.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Quote, 0, len(b.quotes))
	for _, q := range b.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of quoted symbols
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.quotes)
}

func (b *Board) putLocked(symbol string, q models.Quote) error {
	q.Symbol = models.NormalizeSymbol(symbol)
	if errs := models.Validate(q, models.QuoteRules); errs != nil {
		return &models.DataError{Reason: "invalid quote", Symbol: q.Symbol, Fields: errs}
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = b.now()
	}
	b.quotes[q.Symbol] = q
	return nil
}
