package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pooledClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "collab_registry",
		Name:      "clients",
		Help:      "Collaboration clients held by the registry",
	})

	clientConnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "collab_registry",
		Name:      "connects_total",
		Help:      "Collaboration clients created and connected by the registry",
	})

	// labels: reason (released, removed, failed)
	clientCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "collab_registry",
		Name:      "cleanups_total",
		Help:      "Collaboration clients disconnected by the registry",
	}, []string{"reason"})
)
