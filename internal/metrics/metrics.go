package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketchat"

var (
	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections by channel kind.",
		},
		[]string{"channel"},
	)

	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Room workers currently running on this instance.",
	})

	UserChannelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "user_channels_active",
		Help:      "Notification workers currently running on this instance.",
	})

	Envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Inbound envelopes routed, by type.",
		},
		[]string{"type"},
	)

	EnvelopeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_errors_total",
			Help:      "Errors reported back to the sending connection, by code.",
		},
		[]string{"code"},
	)

	SlowConsumerEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_consumer_evictions_total",
		Help:      "Connections closed because their outbound queue was full.",
	})

	Calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call sessions by terminal outcome.",
		},
		[]string{"outcome"},
	)

	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Chat messages whose history append failed or timed out.",
	})

	Notifications = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications created.",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		RoomsActive,
		UserChannelsActive,
		Envelopes,
		EnvelopeErrors,
		SlowConsumerEvictions,
		Calls,
		PersistFailures,
		Notifications,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
