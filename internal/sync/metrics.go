package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/akorchak/geosync/internal/domain"
)

const namespace = "geosync"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queued items by state",
		},
		[]string{"state"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dispatch_total",
			Help:      "Total dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dispatch_duration_seconds",
			Help:      "Time to complete one dispatch attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	deadLetterTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deadletter_total",
			Help:      "Total items moved to the dead-letter log",
		},
	)

	itemsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "fetched_total",
			Help:      "Total items read from the queue for dispatch",
		},
	)
)

// recordDispatch records one dispatch attempt.
func recordDispatch(outcome Outcome, duration time.Duration) {
	dispatchTotal.WithLabelValues(outcome.String()).Inc()
	dispatchDuration.Observe(duration.Seconds())
}

// recordDeadLetter records one dead-lettered item.
func recordDeadLetter() {
	deadLetterTotal.Inc()
}

// recordFetched records items read from the queue.
func recordFetched(count int) {
	itemsFetched.Add(float64(count))
}

// RecordQueueStats updates queue size gauges.
func RecordQueueStats(stats domain.QueueStats) {
	queueSize.WithLabelValues("active").Set(float64(stats.Active))
	queueSize.WithLabelValues("deadletter").Set(float64(stats.DeadLetter))
}
