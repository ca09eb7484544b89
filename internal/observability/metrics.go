package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - WebSocket client connections and session subscriptions
//   - Active file watchers and relayed message volume
//   - Malformed transcript lines and watch faults
//   - HTTP API request rates and latencies
type Metrics struct {
	// ConnectedClients is a gauge of currently connected WebSocket clients.
	ConnectedClients prometheus.Gauge

	// ActiveSubscriptions is a gauge of live (client, session) subscriptions.
	ActiveSubscriptions prometheus.Gauge

	// ActiveWatchers is a gauge of transcript files currently being tailed.
	ActiveWatchers prometheus.Gauge

	// BatchesRelayed counts debounced message batches fanned out to clients.
	BatchesRelayed prometheus.Counter

	// MessagesRelayed counts individual transcript messages delivered.
	MessagesRelayed prometheus.Counter

	// MalformedLines counts transcript lines that failed to decode.
	MalformedLines prometheus.Counter

	// WatchErrors counts watch faults surfaced to subscribers.
	// Labels: code (READ_ERROR|WATCH_ERROR)
	WatchErrors *prometheus.CounterVec

	// LifecycleEvents counts session lifecycle broadcasts.
	// Labels: event (created|deleted)
	LifecycleEvents *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency in seconds.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
// Passing nil registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessionlens_connected_clients",
			Help: "Number of currently connected WebSocket clients.",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessionlens_active_subscriptions",
			Help: "Number of live client-session subscriptions.",
		}),
		ActiveWatchers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sessionlens_active_watchers",
			Help: "Number of transcript files currently being tailed.",
		}),
		BatchesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionlens_batches_relayed_total",
			Help: "Debounced message batches fanned out to subscribers.",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionlens_messages_relayed_total",
			Help: "Individual transcript messages delivered to subscribers.",
		}),
		MalformedLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessionlens_malformed_lines_total",
			Help: "Transcript lines that failed to decode.",
		}),
		WatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionlens_watch_errors_total",
			Help: "Watch faults surfaced to subscribers, by error code.",
		}, []string{"code"}),
		LifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionlens_lifecycle_events_total",
			Help: "Session lifecycle broadcasts, by event.",
		}, []string{"event"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessionlens_http_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
		HTTPRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionlens_http_requests_total",
			Help: "HTTP API requests.",
		}, []string{"method", "path", "status_code"}),
	}
}
