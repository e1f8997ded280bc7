package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/shared/logging"
	"github.com/linluma/marketfeed/shared/models"
)

// StatusSource is the read-only view the HTTP endpoints report on
type StatusSource interface {
	Symbol() string
	Connection() models.Connection
	Subscriptions() []models.Subscription
	Book() *orderbook.Book
	Stats() models.TradeStatistics
}

// BookTop summarizes the inside of the book
type BookTop struct {
	BestBid  *models.OrderBookEntry `json:"best_bid,omitempty"`
	BestAsk  *models.OrderBookEntry `json:"best_ask,omitempty"`
	Spread   decimal.Decimal        `json:"spread"`
	MidPrice *decimal.Decimal       `json:"mid_price,omitempty"`
	Levels   int                    `json:"levels"`
	Crossed  bool                   `json:"crossed"`
}

// StatusReport is the body of /status
type StatusReport struct {
	Symbol        string                 `json:"symbol"`
	Connection    models.Connection      `json:"connection"`
	Subscriptions []models.Subscription  `json:"subscriptions"`
	Book          BookTop                `json:"book"`
	Statistics    models.TradeStatistics `json:"statistics"`
}

// Server serves /metrics, /healthz and /status
type Server struct {
	router    *mux.Router
	server    *http.Server
	collector *Collector
	source    StatusSource
	log       *logging.Entry
}

// NewServer builds the router; nothing listens until Start
func NewServer(port int, collector *Collector, source StatusSource) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		collector: collector,
		source:    source,
		log:       logging.GetLogger().WithComponent("http"),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.status).Methods(http.MethodGet)
}

// Start blocks serving HTTP until Shutdown
func (s *Server) Start() error {
	s.log.WithFields(logging.Fields{"addr": s.server.Addr}).Info("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	conn := s.source.Connection()
	code := http.StatusOK
	if conn.Status != models.StatusConnected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(conn.Status)})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BuildReport(s.source))
}

// BuildReport assembles the status view from source
func BuildReport(source StatusSource) StatusReport {
	book := source.Book()
	top := BookTop{
		Spread:  book.Spread(),
		Levels:  book.Levels(),
		Crossed: book.Crossed(),
	}
	if bid, ok := book.BestBid(); ok {
		top.BestBid = &bid
	}
	if ask, ok := book.BestAsk(); ok {
		top.BestAsk = &ask
	}
	if mid, ok := book.MidPrice(); ok {
		top.MidPrice = &mid
	}

	return StatusReport{
		Symbol:        source.Symbol(),
		Connection:    source.Connection(),
		Subscriptions: source.Subscriptions(),
		Book:          top,
		Statistics:    source.Stats(),
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.New().String()[:8])
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.log.WithFields(logging.Fields{
			"request_id": w.Header().Get("X-Request-ID"),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     wrapper.statusCode,
			"duration":   time.Since(start).String(),
		}).Debug("request served")
	})
}

// responseWrapper captures the status code for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.GetLogger().WithComponent("http").WithError(err).Warn("failed to write response")
	}
}
