package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	hubConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connections",
			Help: "Current number of websocket connections.",
		},
	)

	// hubPublished counts frames enqueued to subscribers, by event name.
	hubPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_published_total",
			Help: "Total number of events delivered to subscriber queues.",
		},
		[]string{"event"},
	)

	// hubDropped counts subscribers disconnected because their queue was full.
	hubDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_events_dropped_total",
			Help: "Total number of slow subscribers disconnected on a full send queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(hubConnections, hubPublished, hubDropped)
}
