package services

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook events by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	outboundSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_sends_total",
			Help: "Provider send attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(webhookEvents, outboundSends)
}

func sendOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
