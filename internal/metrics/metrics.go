// Package metrics exposes Prometheus collectors for streaming and storage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chattree"

var (
	// SessionsStarted counts streaming sessions that entered the streaming state.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_sessions_started_total",
		Help:      "Streaming sessions started.",
	})

	// SessionsFinished counts terminal sessions by outcome (complete, failed, cancelled).
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_sessions_finished_total",
		Help:      "Streaming sessions that reached a terminal state.",
	}, []string{"outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_sessions_active",
		Help:      "Streaming sessions currently in flight.",
	})

	DeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_deltas_applied_total",
		Help:      "Content deltas applied to messages.",
	})

	DeltasDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_deltas_discarded_total",
		Help:      "Deltas dropped because their session was cancelled.",
	})

	// LogAppends counts conversation log appends by result (ok, error).
	LogAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_appends_total",
		Help:      "Records appended to conversation logs.",
	}, []string{"result"})
)

// ObserveAppend records the result of one log append.
func ObserveAppend(err error) {
	if err != nil {
		LogAppends.WithLabelValues("error").Inc()
		return
	}
	LogAppends.WithLabelValues("ok").Inc()
}
