package electrum

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the protocol client's prometheus collectors.
type Metrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	pending    prometheus.Gauge
	reconnects prometheus.Counter
	malformed  prometheus.Counter
	pollers    prometheus.Gauge
	state      *prometheus.GaugeVec
}

// NewMetrics creates collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forkwallet",
			Subsystem: "protocol",
			Name:      "requests_total",
			Help:      "Requests sent to the indexing server by method and outcome",
		}, []string{"method", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forkwallet",
			Subsystem: "protocol",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of successful requests",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"method"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "forkwallet",
			Subsystem: "protocol",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "forkwallet",
			Subsystem: "protocol",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts",
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "forkwallet",
			Subsystem: "protocol",
			Name:      "malformed_messages_total",
			Help:      "Server messages dropped because they could not be decoded",
		}),
		pollers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "forkwallet",
			Subsystem: "protocol",
			Name:      "fallback_pollers",
			Help:      "Subscriptions served by balance polling",
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forkwallet",
			Subsystem: "protocol",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
	}
}

func (m *Metrics) setState(current string) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}
