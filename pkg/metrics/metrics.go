// Package metrics holds the Prometheus collectors of the exchange core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custodex"

type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	trades        *prometheus.CounterVec
	tradeVolume   *prometheus.CounterVec
	mailboxDepth  *prometheus.GaugeVec
	halted        *prometheus.GaugeVec
	stepLatency   *prometheus.HistogramVec
	sinkFailures  *prometheus.CounterVec
	broadcastDrop *prometheus.CounterVec

	settlements  *prometheus.CounterVec
	chainLatency *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "requests_total",
			Help: "Requests applied by market engines.",
		}, []string{"market", "kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "rejected_total",
			Help: "Requests rejected before or inside an engine.",
		}, []string{"market", "reason"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "trades_total",
			Help: "Trades executed.",
		}, []string{"market"}),
		tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "traded_lots_total",
			Help: "Executed size in lots.",
		}, []string{"market"}),
		mailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "mailbox_depth",
			Help: "Queued requests per market mailbox.",
		}, []string{"market"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "halted",
			Help: "1 when a market stopped matching after an invariant violation.",
		}, []string{"market"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "step_seconds",
			Help:    "Time to apply one request including sinks.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"market"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "sink_failures_total",
			Help: "Event batches a sink failed to handle.",
		}, []string{"market"}),
		broadcastDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "dropped_total",
			Help: "Event batches dropped because a broadcast buffer was full.",
		}, []string{"sink"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "transitions_total",
			Help: "Settlement status transitions.",
		}, []string{"kind", "status"}),
		chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "chain_call_seconds",
			Help:    "Duration of chain submit+confirm per settlement attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.rejected, m.trades, m.tradeVolume, m.mailboxDepth, m.halted,
		m.stepLatency, m.sinkFailures, m.broadcastDrop, m.settlements, m.chainLatency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(market, kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(market, kind).Inc()
}

func (m *Metrics) Rejected(market, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(market, reason).Inc()
}

func (m *Metrics) Trade(market string, size int64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(market).Inc()
	m.tradeVolume.WithLabelValues(market).Add(float64(size))
}

func (m *Metrics) MailboxDepth(market string, depth int) {
	if m == nil {
		return
	}
	m.mailboxDepth.WithLabelValues(market).Set(float64(depth))
}

func (m *Metrics) Halted(market string) {
	if m == nil {
		return
	}
	m.halted.WithLabelValues(market).Set(1)
}

func (m *Metrics) Step(market string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(market).Observe(d.Seconds())
}

func (m *Metrics) SinkFailure(market string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(market).Inc()
}

func (m *Metrics) BroadcastDropped(sink string) {
	if m == nil {
		return
	}
	m.broadcastDrop.WithLabelValues(sink).Inc()
}

func (m *Metrics) Settlement(kind, status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ChainCall(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.chainLatency.WithLabelValues(kind, outcome).Observe(d.Seconds())
}
