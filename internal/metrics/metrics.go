package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "desto",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Number of tmux sessions launched.",
		},
	)
	sessionFinishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "desto",
			Subsystem: "session",
			Name:      "finishes_total",
			Help:      "Number of sessions reaching a terminal state.",
		}, []string{"status"},
	)
	jobCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "desto",
			Subsystem: "job",
			Name:      "completions_total",
			Help:      "Number of job completion signals processed.",
		}, []string{"status"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "desto",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently reported alive by tmux.",
		},
	)
	pollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "desto",
			Subsystem: "reconciler",
			Name:      "poll_errors_total",
			Help:      "Monitoring loop iterations that failed and backed off.",
		},
	)
	publishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "desto",
			Subsystem: "notifier",
			Name:      "publish_failures_total",
			Help:      "Status change events that could not be published.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{sessionStarts, sessionFinishes, jobCompletions, activeSessions, pollErrors, publishFailures}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op if Register hasn't been called.

func IncSessionStart() {
	if regOK.Load() {
		sessionStarts.Inc()
	}
}

func IncSessionFinish(status string) {
	if regOK.Load() {
		sessionFinishes.WithLabelValues(status).Inc()
	}
}

func IncJobCompletion(status string) {
	if regOK.Load() {
		jobCompletions.WithLabelValues(status).Inc()
	}
}

func SetActiveSessions(n int) {
	if regOK.Load() {
		activeSessions.Set(float64(n))
	}
}

func IncPollError() {
	if regOK.Load() {
		pollErrors.Inc()
	}
}

func IncPublishFailure() {
	if regOK.Load() {
		publishFailures.Inc()
	}
}
