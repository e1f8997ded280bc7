// Package stream is the consuming view over one upstream connection: it owns
// the connection, its subscriptions, and the book, ledger and quote state for
// one tracked symbol.
package stream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/linluma/marketfeed/feed/connection"
	"github.com/linluma/marketfeed/feed/ledger"
	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/feed/quotes"
	"github.com/linluma/marketfeed/feed/schedule"
	"github.com/linluma/marketfeed/feed/subscription"
	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logging"
	"github.com/linluma/marketfeed/shared/models"
)

// Recorder receives stream metrics
type Recorder interface {
	connection.Recorder
	ObserveEnvelope(msgType string)
	ObserveDataError(reason string)
	ObserveTrade(side models.Side)
	ObserveBook(bids, asks int, crossed bool)
	ObserveStatistics(stats models.TradeStatistics)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStatus(models.Status)              {}
func (nopRecorder) ObserveReconnect(time.Duration)           {}
func (nopRecorder) ObserveDroppedFrame()                     {}
func (nopRecorder) ObserveEnvelope(string)                   {}
func (nopRecorder) ObserveDataError(string)                  {}
func (nopRecorder) ObserveTrade(models.Side)                 {}
func (nopRecorder) ObserveBook(int, int, bool)               {}
func (nopRecorder) ObserveStatistics(models.TradeStatistics) {}

// Option configures a Stream
type Option func(*Stream)

// WithClock sets the clock for timers and timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Stream) { s.clock = c }
}

// WithDialer overrides the upstream dialer
func WithDialer(d connection.Dialer) Option {
	return func(s *Stream) { s.dialer = d }
}

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(s *Stream) { s.recorder = r }
}

// StatusListener is told about every connection status change
type StatusListener func(status models.Status, err error)

// Stream wires the connection, tracker, book, ledger and quote board together
type Stream struct {
	cfg      config.FeedConfig
	clock    clock.Clock
	dialer   connection.Dialer
	recorder Recorder
	log      *logging.Entry
	errLimit *rate.Limiter

	sched   *schedule.Scheduler
	conn    *connection.Manager
	tracker *subscription.Tracker
	book    *orderbook.Book
	ledger  *ledger.Ledger
	board   *quotes.Board

	// mu serializes envelope handling and symbol changes
	mu      sync.Mutex
	running bool
	stats   *schedule.Task
	refresh *schedule.Task

	statsMu   sync.RWMutex
	published models.TradeStatistics

	listenMu  sync.RWMutex
	listeners []StatusListener
}

// New builds a stream from cfg. Nothing connects until Start.
func New(cfg *config.FeedConfig, opts ...Option) *Stream {
	s := &Stream{
		cfg:      *cfg,
		recorder: nopRecorder{},
		errLimit: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}

	symbol := models.NormalizeSymbol(cfg.Feed.Symbol)
	s.log = logging.GetLogger().WithComponent("stream")
	s.sched = schedule.New(s.clock)
	s.book = orderbook.NewBook(symbol, cfg.Book.Depth, s.clock.Now)
	s.ledger = ledger.New(symbol, cfg.Ledger.Capacity)
	s.board = quotes.NewBoard(s.clock.Now)

	connOpts := []connection.Option{
		connection.WithClock(s.clock),
		connection.WithScheduler(s.sched),
		connection.WithRetryConfig(connection.RetryConfigFrom(cfg.Retry)),
		connection.WithRecorder(s.recorder),
	}
	if s.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(s.dialer))
	}
	s.conn = connection.NewManager(cfg.Feed.URL, connection.Handlers{
		OnOpen:    s.onOpen,
		OnMessage: s.handle,
		OnStatus:  s.onStatus,
	}, connOpts...)
	s.tracker = subscription.NewTracker(s.conn, s.clock.Now)

	// Topics are tracked up front and go out on the first open
	s.tracker.Track(append([]string{symbol}, cfg.Feed.Topics...)...)
	return s
}

// Start connects and begins publishing statistics
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stats = s.sched.Every(s.statsInterval(), s.publishStatistics)
	s.mu.Unlock()

	s.log.WithFields(logging.Fields{
		"symbol": s.book.Symbol(),
		"url":    s.conn.URL(),
	}).Info("starting stream")
	s.publishStatistics()
	s.conn.Connect()
}

// Stop disconnects and cancels the statistics cadence and any pending refresh.
// The stream can be started again.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.running = false
	tasks := []*schedule.Task{s.stats, s.refresh}
	s.stats, s.refresh = nil, nil
	s.mu.Unlock()

	for _, t := range tasks {
		if t != nil {
			t.Cancel()
		}
	}
	s.conn.Disconnect()
	s.log.Info("stream stopped")
}

// Close stops the stream for good; nothing can be scheduled afterwards
func (s *Stream) Close() {
	s.Stop()
	s.sched.Close()
}

// SetSymbol switches the tracked symbol: the old one is unsubscribed and the
// book and ledger start empty for the new one.
func (s *Stream) SetSymbol(symbol string) {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return
	}

	s.mu.Lock()
	old := s.book.Symbol()
	if old == symbol {
		s.mu.Unlock()
		return
	}
	refresh := s.refresh
	s.refresh = nil

	s.tracker.Unsubscribe(old)
	s.board.Remove(old)
	s.book.Reset(symbol)
	s.ledger.Reset(symbol)
	s.tracker.Subscribe(symbol)
	s.mu.Unlock()

	if refresh != nil {
		refresh.Cancel()
	}
	s.publishStatistics()
	s.log.WithFields(logging.Fields{"from": old, "to": symbol}).Info("symbol changed")
}

// Subscribe adds extra topics, typically quote symbols
func (s *Stream) Subscribe(topics ...string) bool {
	return s.tracker.Subscribe(topics...)
}

// Unsubscribe removes extra topics and their quotes. The tracked symbol cannot be removed this way.
func (s *Stream) Unsubscribe(topics ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.book.Symbol()
	keep := make([]string, 0, len(topics))
	for _, t := range topics {
		if models.NormalizeSymbol(t) == current {
			continue
		}
		keep = append(keep, t)
	}
	s.board.Remove(keep...)
	return s.tracker.Unsubscribe(keep...)
}

// AddStatusListener registers fn for connection status changes
func (s *Stream) AddStatusListener(fn StatusListener) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Symbol returns the tracked symbol
func (s *Stream) Symbol() string {
	return s.book.Symbol()
}

// Status returns the connection status
func (s *Stream) Status() models.Status {
	return s.conn.Status()
}

// Err returns the error attached to the connection status
func (s *Stream) Err() error {
	return s.conn.Err()
}

// Connection returns a snapshot of the upstream connection
func (s *Stream) Connection() models.Connection {
	return s.conn.Snapshot()
}

// Book returns the order book
func (s *Stream) Book() *orderbook.Book {
	return s.book
}

// Ledger returns the trade ledger
func (s *Stream) Ledger() *ledger.Ledger {
	return s.ledger
}

// Quotes returns the quote board
func (s *Stream) Quotes() *quotes.Board {
	return s.board
}

// Stats returns the most recently published statistics
func (s *Stream) Stats() models.TradeStatistics {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.published
}

// Subscriptions returns every tracked topic
func (s *Stream) Subscriptions() []models.Subscription {
	return s.tracker.Subscriptions()
}

func (s *Stream) onOpen() {
	if !s.tracker.Resubscribe() {
		s.log.WithError(s.tracker.LastError()).Warn("resubscribe failed")
	}
}

func (s *Stream) onStatus(status models.Status, err error) {
	if status != models.StatusConnected {
		s.tracker.MarkInactive()
	}

	s.listenMu.RLock()
	listeners := append([]StatusListener(nil), s.listeners...)
	s.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(status, err)
	}
}

func (s *Stream) publishStatistics() {
	stats := s.ledger.Statistics()
	s.statsMu.Lock()
	s.published = stats
	s.statsMu.Unlock()
	s.recorder.ObserveStatistics(stats)
}

func (s *Stream) statsInterval() time.Duration {
	if s.cfg.Ledger.StatsInterval > 0 {
		return s.cfg.Ledger.StatsInterval
	}
	return time.Second
}
