// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trader"

// Metrics holds every collector. Each instance owns its registry so tests
// and multiple engines never collide.
type Metrics struct {
	Registry *prometheus.Registry

	Ticks          *prometheus.CounterVec
	DroppedTicks   prometheus.Counter
	Candles        *prometheus.CounterVec
	Signals        *prometheus.CounterVec
	Orders         *prometheus.CounterVec
	Fills          *prometheus.CounterVec
	FeedReconnects prometheus.Counter
	FeedConnected  prometheus.Gauge
	KillSwitch     prometheus.Gauge
	NetPnL         prometheus.Gauge
	BrokerCallTime *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	OrderAnomalies prometheus.Counter
	Reconciles     *prometheus.CounterVec
	RateGrants     *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "ticks_total", Help: "Market ticks ingested"},
			[]string{"instrument"},
		),
		DroppedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "ticks_dropped_total", Help: "Ticks dropped because the event queue was full"},
		),
		Candles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "candles_total", Help: "Candles closed"},
			[]string{"instrument", "interval"},
		),
		Signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "signals_total", Help: "Strategy signals by risk outcome"},
			[]string{"strategy", "outcome", "reason"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Order status transitions"},
			[]string{"status"},
		),
		Fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "fills_total", Help: "Executions recorded"},
			[]string{"instrument", "side"},
		),
		FeedReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "feed_reconnects_total", Help: "Market data reconnect attempts"},
		),
		FeedConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "feed_connected", Help: "1 while market data is connected"},
		),
		KillSwitch: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "kill_switch_engaged", Help: "1 while the kill switch is engaged"},
		),
		NetPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "net_pnl", Help: "Session net P&L after estimated charges"},
		),
		BrokerCallTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "broker_call_seconds",
				Help:      "Broker call latency",
				Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"op", "result"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "event_queue_depth", Help: "Events waiting on the bus"},
		),
		OrderAnomalies: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "order_anomalies_total", Help: "Orders frozen after an inconsistent broker update"},
		),
		Reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_sweeps_total", Help: "Open-order reconciliation sweeps by trigger"},
			[]string{"trigger"},
		),
		RateGrants: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_grants_total", Help: "Broker call tokens granted by priority"},
			[]string{"priority"},
		),
	}
	m.Registry.MustRegister(
		m.Ticks, m.DroppedTicks, m.Candles, m.Signals, m.Orders, m.Fills,
		m.FeedReconnects, m.FeedConnected, m.KillSwitch, m.NetPnL,
		m.BrokerCallTime, m.QueueDepth, m.OrderAnomalies,
		m.Reconciles, m.RateGrants,
	)
	return m
}

// ObserveBrokerCall records the latency of one broker round trip.
func (m *Metrics) ObserveBrokerCall(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BrokerCallTime.WithLabelValues(op, result).Observe(d.Seconds())
}

// SetBool sets g to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Server serves /metrics until Shutdown.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve starts the metrics endpoint on addr.
func (m *Metrics) Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
