package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics manages Prometheus instrumentation for the event router.
type RouterMetrics struct {
	published  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

var (
	routerMetricsInstance *RouterMetrics
	routerMetricsOnce     sync.Once
)

// GetRouterMetrics returns the singleton router metrics instance.
func GetRouterMetrics() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerMetricsInstance = newRouterMetrics()
	})
	return routerMetricsInstance
}

func newRouterMetrics() *RouterMetrics {
	m := &RouterMetrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fabric",
				Subsystem: "router",
				Name:      "published_total",
				Help:      "Total events accepted onto the router queue",
			},
			[]string{"type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fabric",
				Subsystem: "router",
				Name:      "dropped_total",
				Help:      "Total events dropped by overflow or shutdown",
			},
			[]string{"type", "reason"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fabric",
				Subsystem: "router",
				Name:      "dispatched_total",
				Help:      "Total events delivered to subscribers",
			},
			[]string{"type"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fabric",
				Subsystem: "router",
				Name:      "queue_depth",
				Help:      "Current number of events waiting on the router queue",
			},
		),
	}
	prometheus.MustRegister(
		m.published,
		m.dropped,
		m.dispatched,
		m.queueDepth,
	)
	return m
}
