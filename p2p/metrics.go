package p2p

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
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers      prometheus.Gauge
	handshakes *prometheus.CounterVec
	frames     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	peerScore  *prometheus.GaugeVec

	handshakeCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ghostswap_p2p_peers",
				Help: "Connected peer links.",
			}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ghostswap_p2p_handshakes_total",
				Help: "Handshake outcomes.",
			}, []string{"result"}),
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ghostswap_p2p_frames_total",
				Help: "Frames by direction and outcome.",
			}, []string{"direction", "result"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ghostswap_p2p_links_dropped_total",
				Help: "Peer links closed by the server, by reason.",
			}, []string{"reason"}),
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "ghostswap_p2p_peer_score",
				Help: "Link reputation score per peer.",
			}, []string{"peer"}),
		}
		prometheus.MustRegister(nm.peers, nm.handshakes, nm.frames, nm.dropped, nm.peerScore)
		meter := otel.GetMeterProvider().Meter("ghostswap/p2p")
		counter, err := meter.Int64Counter("ghostswap.p2p.handshakes")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("ghostswap/p2p").Int64Counter("ghostswap.p2p.handshakes")
		}
		nm.handshakeCounter = counter
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *networkMetrics) recordFrame(direction, result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, result).Inc()
}

func (m *networkMetrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *networkMetrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *networkMetrics) observeScore(id string, status ReputationStatus) {
	if m == nil || id == "" {
		return
	}
	m.peerScore.WithLabelValues(id).Set(float64(status.Score))
}

func (m *networkMetrics) removePeer(id string) {
	if m == nil || id == "" {
		return
	}
	m.peerScore.DeleteLabelValues(id)
}
