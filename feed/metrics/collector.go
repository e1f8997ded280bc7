// Package metrics exposes Prometheus metrics for the feed and the HTTP
// endpoints that serve them alongside health and status.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linluma/marketfeed/shared/models"
)

const namespace = "marketfeed"

var allStatuses = []models.Status{
	models.StatusDisconnected,
	models.StatusConnecting,
	models.StatusConnected,
	models.StatusReconnecting,
	models.StatusError,
}

// Collector holds every feed metric on its own registry
type Collector struct {
	registry *prometheus.Registry

	ConnectionStatus *prometheus.GaugeVec
	Reconnects       prometheus.Counter
	ReconnectDelay   prometheus.Histogram
	DroppedFrames    prometheus.Counter
	Envelopes        *prometheus.CounterVec
	DataErrors       *prometheus.CounterVec
	Trades           *prometheus.CounterVec
	BookLevels       *prometheus.GaugeVec
	BookCrossed      prometheus.Gauge
	TradeWindow      prometheus.Gauge
	AveragePrice     prometheus.Gauge
	LastPrice        prometheus.Gauge
}

// NewCollector creates and registers all metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_status",
				Help:      "1 for the current upstream connection status, 0 otherwise",
			},
			[]string{"status"},
		),

		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Reconnect attempts scheduled",
			},
		),

		ReconnectDelay: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconnect_delay_seconds",
				Help:      "Backoff delay before each reconnect attempt",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30, 60},
			},
		),

		DroppedFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_frames_total",
				Help:      "Inbound frames that were not valid envelopes",
			},
		),

		Envelopes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelopes_total",
				Help:      "Inbound envelopes by type",
			},
			[]string{"type"},
		),

		DataErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_errors_total",
				Help:      "Inbound payloads dropped as invalid, by reason",
			},
			[]string{"reason"},
		),

		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trades_total",
				Help:      "Trades recorded in the ledger by side",
			},
			[]string{"side"},
		),

		BookLevels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "book_levels",
				Help:      "Price levels held per book side",
			},
			[]string{"side"},
		),

		BookCrossed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "book_crossed",
				Help:      "1 while best bid >= best ask",
			},
		),

		TradeWindow: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trade_window_size",
				Help:      "Trades in the current statistics window",
			},
		),

		AveragePrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trade_average_price",
				Help:      "Volume-weighted average price over the window",
			},
		),

		LastPrice: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trade_last_price",
				Help:      "Price of the newest trade",
			},
		),
	}

	c.registry.MustRegister(
		c.ConnectionStatus,
		c.Reconnects,
		c.ReconnectDelay,
		c.DroppedFrames,
		c.Envelopes,
		c.DataErrors,
		c.Trades,
		c.BookLevels,
		c.BookCrossed,
		c.TradeWindow,
		c.AveragePrice,
		c.LastPrice,
	)
	c.ObserveStatus(models.StatusDisconnected)
	return c
}

// Registry returns the registry the metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveStatus(status models.Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.ConnectionStatus.WithLabelValues(string(s)).Set(v)
	}
}

func (c *Collector) ObserveReconnect(delay time.Duration) {
	c.Reconnects.Inc()
	c.ReconnectDelay.Observe(delay.Seconds())
}

func (c *Collector) ObserveDroppedFrame() {
	c.DroppedFrames.Inc()
}

// ObserveEnvelope counts by type; unknown types share one label so upstream cannot grow the series set
func (c *Collector) ObserveEnvelope(msgType string) {
	switch msgType {
	case models.MessageOrderBookUpdate, models.MessageTradeEvent, models.MessageMarketDataUpdate:
	default:
		msgType = "other"
	}
	c.Envelopes.WithLabelValues(msgType).Inc()
}

func (c *Collector) ObserveDataError(reason string) {
	c.DataErrors.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveTrade(side models.Side) {
	c.Trades.WithLabelValues(string(side)).Inc()
}

func (c *Collector) ObserveBook(bids, asks int, crossed bool) {
	c.BookLevels.WithLabelValues(string(models.BookSideBuy)).Set(float64(bids))
	c.BookLevels.WithLabelValues(string(models.BookSideSell)).Set(float64(asks))
	if crossed {
		c.BookCrossed.Set(1)
	} else {
		c.BookCrossed.Set(0)
	}
}

func (c *Collector) ObserveStatistics(stats models.TradeStatistics) {
	c.TradeWindow.Set(float64(stats.TotalTrades))
	c.AveragePrice.Set(stats.AveragePrice.InexactFloat64())
	c.LastPrice.Set(stats.LastPrice.InexactFloat64())
}
