package repository

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// labels: type (the message type name)
	socketMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "repository_socket",
		Name:      "messages_received_total",
		Help:      "Messages received on the repository socket by type",
	}, []string{"type"})

	// labels: type (the message type name)
	socketMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "repository_socket",
		Name:      "messages_sent_total",
		Help:      "Messages sent on the repository socket by type",
	}, []string{"type"})

	socketReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "repository_socket",
		Name:      "reconnects_total",
		Help:      "Automatic reconnects that reached the authenticated state",
	})

	socketPendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "repository_socket",
		Name:      "pending_calls",
		Help:      "Calls waiting for a response",
	})

	// labels: reason (set_name, no_subscribers)
	socketDroppedUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "repository_socket",
		Name:      "dropped_updates_total",
		Help:      "Unsolicited updates not delivered to a subscription",
	}, []string{"reason"})

	documentSetSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "document_set",
		Name:      "documents",
		Help:      "Documents held by live document sets",
	}, []string{"type"})
)
