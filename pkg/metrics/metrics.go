package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector this library registers; embedding
// applications expose it however they like.
var Registry = prometheus.NewRegistry()

var (
	PeersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lingmeet",
		Name:      "peers_active",
		Help:      "Number of currently open peer connection entries.",
	})

	SignalsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingmeet",
		Name:      "signals_sent_total",
		Help:      "Signaling messages written to the store, by type.",
	}, []string{"type"})

	SignalsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingmeet",
		Name:      "signals_received_total",
		Help:      "Signaling messages consumed from the store, by type.",
	}, []string{"type"})

	TopicMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lingmeet",
		Name:      "topic_messages_total",
		Help:      "Topic messages published and delivered, by topic.",
	}, []string{"topic", "direction"})

	JoinFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lingmeet",
		Name:      "join_failures_total",
		Help:      "Join attempts that surfaced a coded error.",
	})

	StoreRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lingmeet",
		Name:      "store_retries_total",
		Help:      "Write retries performed by the transport adapter.",
	})
)

func init() {
	Registry.MustRegister(
		PeersActive,
		SignalsSent,
		SignalsReceived,
		TopicMessages,
		JoinFailures,
		StoreRetries,
	)
}
