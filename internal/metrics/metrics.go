// Package metrics exposes Prometheus counters for the request lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submissions counts request submissions by kind and outcome.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_submissions_total",
		Help: "Total number of request submissions by kind and outcome",
	}, []string{"kind", "outcome"})

	// Decisions counts staff decisions by kind, action and whether they applied.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_decisions_total",
		Help: "Total number of staff decisions",
	}, []string{"kind", "action", "applied"})

	// PendingViews is the number of live decision views.
	PendingViews = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_pending_views",
		Help: "Number of pending requests with a live decision view",
	})

	// SweepActions counts reminders sent and members kicked by the sweep.
	SweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_sweep_actions_total",
		Help: "Total number of actions taken by the unverified member sweep",
	}, []string{"action"})

	// ExpiredChannels counts rejected-request channels removed after their TTL.
	ExpiredChannels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_expired_channels_total",
		Help: "Total number of expired rejected-request channels deleted",
	})

	// FeedSubscribers is the gauge of connected event feed clients.
	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_feed_subscribers",
		Help: "Number of connected event feed subscribers",
	})

	// FeedDrops counts feed subscribers dropped for falling behind.
	FeedDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_feed_drops_total",
		Help: "Total number of feed subscribers dropped due to backpressure",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Applied renders a decision outcome as a label value.
func Applied(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
