// Package metrics holds the Prometheus collectors shared by the delivery and
// dispatch paths. Collectors register with the default registry; hosts expose
// them with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeFiltered = "filtered"
	OutcomeEcho     = "echo"
)

var (
	EventsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_events_sent_total",
		Help: "Events handed to the transport, by method and outcome.",
	}, []string{"method", "outcome"})

	DestinationDispatch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_destination_dispatch_total",
		Help: "Device-mode destination invocations, by destination type and outcome.",
	}, []string{"destination_type", "outcome"})

	ScriptLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_script_loads_total",
		Help: "External destination script loads, by outcome.",
	}, []string{"outcome"})

	SendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analytics_send_duration_seconds",
		Help:    "Latency of a transport send including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_collector_events_received_total",
		Help: "Envelopes accepted by the development collector, by method and endpoint kind.",
	}, []string{"method", "endpoint"})
)

func init() {
	prometheus.MustRegister(EventsSent, DestinationDispatch, ScriptLoads, SendDuration, EventsReceived)
}
