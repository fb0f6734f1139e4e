package engine

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *engineMetrics
)

type engineMetrics struct {
	messages *prometheus.CounterVec
	matches  *prometheus.CounterVec
	expired  prometheus.Counter
	open     prometheus.Gauge

	matchCounter metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	metricsInitOnce.Do(func() {
		m := &engineMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ghostswap_engine_messages_total",
				Help: "Intent messages processed by kind and outcome.",
			}, []string{"kind", "result"}),
			matches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ghostswap_engine_matches_total",
				Help: "Counterparties found by the matcher.",
			}, []string{"kind"}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ghostswap_engine_expired_total",
				Help: "Open intents cancelled by the expiry sweep.",
			}),
			open: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ghostswap_engine_open_intents",
				Help: "Open intents currently held in the store.",
			}),
		}
		prometheus.MustRegister(m.messages, m.matches, m.expired, m.open)
		meter := otel.GetMeterProvider().Meter("ghostswap/engine")
		counter, err := meter.Int64Counter("ghostswap.engine.matches")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("ghostswap/engine").Int64Counter("ghostswap.engine.matches")
		}
		m.matchCounter = counter
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *engineMetrics) recordMessage(kind, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, result).Inc()
}

func (m *engineMetrics) recordMatch(kind string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(kind).Inc()
	if m.matchCounter != nil {
		m.matchCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *engineMetrics) recordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

func (m *engineMetrics) setOpen(n int) {
	if m == nil {
		return
	}
	m.open.Set(float64(n))
}
