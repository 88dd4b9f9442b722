// Package metrics exposes the bot's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can be built without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentibot"

// Metrics groups the collectors recorded by the trading core.
type Metrics struct {
	registry *prometheus.Registry

	signals          *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	orders           *prometheus.CounterVec
	positionCloses   *prometheus.CounterVec
	stopLossTriggers prometheus.Counter
	exchangeLatency  *prometheus.HistogramVec
	monitorCycle     prometheus.Histogram
	openPositions    prometheus.Gauge
	tradesToday      prometheus.Gauge
	realizedLoss     prometheus.Gauge
	currentPrice     *prometheus.GaugeVec
	droppedEvents    prometheus.Counter
	errors           *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Trade signals produced from scored news",
		}, []string{"symbol", "direction"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_decisions_total",
			Help:      "Risk authorizations by outcome",
		}, []string{"outcome"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders submitted to the exchange by side and final status",
		}, []string{"side", "status"}),
		positionCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_closes_total",
			Help:      "Positions closed by terminal status",
		}, []string{"status"}),
		stopLossTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_loss_triggers_total",
			Help:      "Stop-loss breaches that led to a liquidation attempt",
		}),
		exchangeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_request_seconds",
			Help:      "Latency of exchange requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		monitorCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stop_loss_cycle_seconds",
			Help:      "Duration of stop-loss monitor cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open positions",
		}),
		tradesToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trades_today",
			Help:      "Positions opened since the last UTC midnight",
		}),
		realizedLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_loss_today",
			Help:      "Realized loss since the last UTC midnight in quote currency",
		}),
		currentPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_price",
			Help:      "Last observed price per pair",
		}, []string{"symbol"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_dropped_events_total",
			Help:      "Ledger events dropped because the journal queue was full",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		}, []string{"type"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signals,
		m.decisions,
		m.orders,
		m.positionCloses,
		m.stopLossTriggers,
		m.exchangeLatency,
		m.monitorCycle,
		m.openPositions,
		m.tradesToday,
		m.realizedLoss,
		m.currentPrice,
		m.droppedEvents,
		m.errors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordSignal(symbol, direction string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(symbol, direction).Inc()
}

// RecordDecision counts a risk outcome; outcome is "authorized" or the deny
// reason.
func (m *Metrics) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordOrder(side, status string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, status).Inc()
}

func (m *Metrics) RecordClose(status string) {
	if m == nil {
		return
	}
	m.positionCloses.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordStopLossTrigger() {
	if m == nil {
		return
	}
	m.stopLossTriggers.Inc()
}

// ObserveExchange records the latency of one exchange call.
func (m *Metrics) ObserveExchange(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.exchangeLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

func (m *Metrics) ObserveMonitorCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.monitorCycle.Observe(d.Seconds())
}

// SetRiskState mirrors the ledger counters into gauges.
func (m *Metrics) SetRiskState(open, tradesToday int, realizedLoss float64) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(open))
	m.tradesToday.Set(float64(tradesToday))
	m.realizedLoss.Set(realizedLoss)
}

func (m *Metrics) SetPrice(symbol string, price float64) {
	if m == nil {
		return
	}
	m.currentPrice.WithLabelValues(symbol).Set(price)
}

func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}
