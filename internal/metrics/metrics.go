// Package metrics defines the Prometheus collectors exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions currently registered.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherdrop_active_sessions",
		Help: "Number of live relay sessions.",
	})

	// ConnectedClients tracks open event-channel connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherdrop_ws_connections",
		Help: "Number of open event-channel connections.",
	})

	// UploadsInFlight tracks chunked uploads between init and complete.
	UploadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherdrop_uploads_in_flight",
		Help: "Number of chunked uploads currently in progress.",
	})

	// MessagesRelayed counts messages appended and fanned out.
	MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherdrop_messages_relayed_total",
		Help: "Total messages appended to session histories.",
	})

	// BytesStored counts bytes written into session file trees.
	BytesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherdrop_session_bytes_stored_total",
		Help: "Total file bytes stored across all sessions.",
	})

	// SessionsExpired counts sessions removed by grace-period expiry.
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherdrop_sessions_expired_total",
		Help: "Total sessions deleted by the expiry machinery.",
	})
)
