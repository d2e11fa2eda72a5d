// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "commands_enqueued_total",
		Help:      "Commands inserted into the connector queue, by action.",
	}, []string{"action"})

	CommandsLeased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "commands_leased_total",
		Help:      "Commands handed to a polling connector.",
	})

	CommandsAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "commands_acked_total",
		Help:      "Command acknowledgements that changed state, by resulting state.",
	}, []string{"state"})

	CommandsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "commands_reclaimed_total",
		Help:      "Sent commands returned to pending after their lease expired.",
	})

	OpTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "op_transitions_total",
		Help:      "Long-running operation transitions, by kind and status.",
	}, []string{"kind", "status"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "publish_failures_total",
		Help:      "Op messages that could not be published.",
	})

	AutoStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "auto_starts_total",
		Help:      "Start commands queued by the auto-start coordinator.",
	})

	ConnectorPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleethub",
		Name:      "connector_polls_total",
		Help:      "Connector polls, by result (command, empty, unauthorized).",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
