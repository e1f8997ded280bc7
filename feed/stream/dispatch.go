package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linluma/marketfeed/shared/logging"
	"github.com/linluma/marketfeed/shared/models"
)

// Data error reasons used as metric labels
const (
	reasonDecode  = "decode"
	reasonBook    = "book_entry"
	reasonTrade   = "trade"
	reasonQuote   = "quote"
	reasonUnknown = "unknown_kind"
	reasonSymbol  = "symbol_mismatch"
)

// handle routes one inbound envelope. It runs on the read goroutine.
func (s *Stream) handle(env models.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recorder.ObserveEnvelope(env.Type)

	var err error
	switch env.Type {
	case models.MessageOrderBookUpdate:
		err = s.handleOrderBook(env.Payload)
	case models.MessageTradeEvent:
		err = s.handleTradeEvent(env.Payload)
	case models.MessageMarketDataUpdate:
		err = s.handleMarketData(env.Payload)
	default:
		s.log.WithFields(logging.Fields{"type": env.Type}).Debug("ignoring unknown message type")
	}

	if err != nil {
		s.reportDataError(err)
	}
}

func (s *Stream) handleOrderBook(payload json.RawMessage) error {
	var update models.OrderBookUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return decodeError("order book update", "", err)
	}

	symbol := models.NormalizeSymbol(update.Symbol)
	if symbol != s.book.Symbol() {
		s.log.WithFields(logging.Fields{"symbol": symbol}).Debug("order book update for another symbol")
		return nil
	}

	switch update.Type {
	case models.BookFullUpdate:
		var full models.OrderBookFull
		if err := json.Unmarshal(update.Data, &full); err != nil {
			return decodeError("order book snapshot", symbol, err)
		}
		if full.Symbol != "" && models.NormalizeSymbol(full.Symbol) != symbol {
			return tag(reasonSymbol, &models.DataError{
				Reason: fmt.Sprintf("snapshot data is for %q", full.Symbol),
				Symbol: symbol,
			})
		}
		res := s.book.ApplyFullSnapshot(symbol, full.Bids, full.Asks)
		s.observeBook()
		return rejectedError(symbol, res.Rejected)

	case models.BookIncrementalUpdate:
		side, entries, err := decodeDelta(update.Data)
		if err != nil {
			return decodeError("order book delta", symbol, err)
		}
		res := s.book.ApplyIncremental(symbol, side, entries)
		s.observeBook()
		return rejectedError(symbol, res.Rejected)

	case models.BookTradeExecuted:
		s.scheduleRefresh(symbol)
		return nil

	default:
		return unknownKind("order book update", update.Type, symbol)
	}
}

func (s *Stream) handleTradeEvent(payload json.RawMessage) error {
	var event models.TradeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return decodeError("trade event", "", err)
	}

	switch event.Type {
	case models.TradeExecuted, models.TradeOrderMatched:
		if event.Trade == nil {
			return tag(reasonTrade, &models.DataError{Reason: "trade event without trade", Symbol: event.Symbol})
		}
		trade := *event.Trade
		if trade.Symbol == "" {
			trade.Symbol = event.Symbol
		}
		if trade.Timestamp.IsZero() {
			trade.Timestamp = s.clock.Now()
		}
		if err := s.ledger.Record(trade); err != nil {
			return tag(reasonTrade, err)
		}
		s.recorder.ObserveTrade(trade.Side)
		return nil

	case models.TradeOrderCancelled:
		s.log.WithFields(logging.Fields{"symbol": event.Symbol}).Info("order cancelled")
		return nil

	default:
		return unknownKind("trade event", event.Type, event.Symbol)
	}
}

func (s *Stream) handleMarketData(payload json.RawMessage) error {
	var update models.MarketDataUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return decodeError("market data update", "", err)
	}

	switch update.Type {
	case models.MarketPriceUpdate:
		if update.Symbol == "" {
			return tag(reasonQuote, &models.DataError{Reason: "price update without symbol", Fields: models.FieldErrors{"symbol": "must not be empty"}})
		}
		var quote models.Quote
		if err := json.Unmarshal(update.Data, &quote); err != nil {
			return decodeError("price update", update.Symbol, err)
		}
		return tag(reasonQuote, s.board.ApplyPrice(update.Symbol, quote))

	case models.MarketSymbolList:
		var list []models.Quote
		if err := json.Unmarshal(update.Data, &list); err != nil {
			return decodeError("symbol list", "", err)
		}
		_, err := s.board.ApplyList(list)
		return tag(reasonQuote, err)

	case models.MarketStatusUpdate:
		s.log.WithFields(logging.Fields{"status": string(update.Data)}).Info("market status")
		return nil

	default:
		return unknownKind("market data update", update.Type, update.Symbol)
	}
}

// scheduleRefresh asks the server for a fresh snapshot shortly after a trade
// hits the book. A newer trade replaces the pending request.
func (s *Stream) scheduleRefresh(symbol string) {
	prev := s.refresh
	s.refresh = s.sched.After(s.cfg.Ledger.RefreshDelay, func() {
		// Refresh only re-sends for topics still tracked, so a symbol switch in between is a no-op
		s.tracker.Refresh(symbol)
	})
	if prev != nil {
		// Cancel without waiting on s.mu: the callback never takes it
		prev.Cancel()
	}
}

func (s *Stream) observeBook() {
	s.recorder.ObserveBook(len(s.book.Bids()), len(s.book.Asks()), s.book.Crossed())
	if s.book.Crossed() && s.errLimit.Allow() {
		bid, _ := s.book.BestBid()
		ask, _ := s.book.BestAsk()
		s.log.WithFields(logging.Fields{
			"symbol":   s.book.Symbol(),
			"best_bid": bid.Price.String(),
			"best_ask": ask.Price.String(),
		}).Warn("order book is crossed")
	}
}

func (s *Stream) reportDataError(err error) {
	reason := reasonDecode
	var tagged *taggedError
	if errors.As(err, &tagged) {
		reason = tagged.reason
	}
	s.recorder.ObserveDataError(reason)
	if s.errLimit.Allow() {
		s.log.WithError(err).WithFields(logging.Fields{"reason": reason}).Warn("dropping inbound data")
	}
}

// taggedError carries the metric label for a data error
type taggedError struct {
	reason string
	err    error
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

func tag(reason string, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{reason: reason, err: err}
}

func decodeError(what, symbol string, err error) error {
	return tag(reasonDecode, &models.DataError{
		Reason: "malformed " + what,
		Symbol: symbol,
		Err:    err,
	})
}

func unknownKind(what, kind, symbol string) error {
	return tag(reasonUnknown, &models.DataError{
		Reason: fmt.Sprintf("unknown %s %q", what, kind),
		Symbol: symbol,
	})
}

// rejectedError reports rejected levels; accepted ones in the same update still applied
func rejectedError(symbol string, rejected []models.FieldErrors) error {
	if len(rejected) == 0 {
		return nil
	}
	return tag(reasonBook, &models.DataError{
		Reason: fmt.Sprintf("%d order book entries rejected", len(rejected)),
		Symbol: symbol,
		Fields: rejected[0],
	})
}

// decodeDelta accepts {side, orders} or a bare array of bids
func decodeDelta(data json.RawMessage) (models.BookSide, []models.OrderBookEntry, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []models.OrderBookEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return "", nil, err
		}
		return models.BookSideBuy, entries, nil
	}

	var delta models.OrderBookDelta
	if err := json.Unmarshal(trimmed, &delta); err != nil {
		return "", nil, err
	}
	if !delta.Side.Valid() {
		return "", nil, fmt.Errorf("invalid side %q", delta.Side)
	}
	return delta.Side, delta.Orders, nil
}
