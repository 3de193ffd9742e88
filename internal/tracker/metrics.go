package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyviz",
			Name:      "events_total",
			Help:      "Protocol lines processed by the tracker, by event kind",
		},
		[]string{"kind"},
	)
	droppedLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keyviz",
			Name:      "dropped_lines_total",
			Help:      "Lines dropped because the tracker queue was full",
		},
	)
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyviz",
			Name:      "transitions_total",
			Help:      "Activation state transitions, by table and direction",
		},
		[]string{"table", "direction"},
	)
	expiriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyviz",
			Name:      "timer_expiries_total",
			Help:      "Activations released by their timeout, by table",
		},
		[]string{"table"},
	)
	watchdogReleasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keyviz",
			Name:      "watchdog_releases_total",
			Help:      "Modifiers force-released by the heartbeat watchdog",
		},
	)
	upstreamLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keyviz",
			Name:      "upstream_live",
			Help:      "1 while the remapper has sent traffic recently",
		},
	)
)
