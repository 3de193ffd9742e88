package listener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	linesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyviz",
			Name:      "lines_received_total",
			Help:      "Non-empty lines received from the remapper, by transport",
		},
		[]string{"network"},
	)
	connectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keyviz",
			Name:      "connections_accepted_total",
			Help:      "Stream connections accepted from the remapper",
		},
	)
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keyviz",
			Name:      "connections_active",
			Help:      "Currently open stream connections",
		},
	)
)
