// Package metrics defines the Prometheus collectors for a repository
// instance. Replication failures have no synchronous caller, so the pull
// counters here are their only operational signal besides logs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hashrepo"

// Pull task outcomes.
const (
	OutcomeIngested = "ingested"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

var (
	// StreamsOpen counts live query streams between OPEN and CLOSED.
	StreamsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streams_open",
		Help:      "Number of open query streams",
	})

	// StreamRowsTotal counts identifiers written to streams by phase.
	StreamRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_rows_total",
			Help:      "Identifiers written to query streams",
		},
		[]string{"phase"},
	)

	// EventsPublishedTotal counts committed-submission events.
	EventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Committed submission events published on the bus",
	})

	// IngestBytesTotal counts accepted content bytes.
	IngestBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_bytes_total",
		Help:      "Bytes of content accepted by ingestion",
	})

	// PullTasksTotal counts replication tasks by pull and outcome.
	PullTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_tasks_total",
			Help:      "Replication tasks by outcome",
		},
		[]string{"pull", "outcome"},
	)

	// PullReconnectsTotal counts remote reconnect attempts.
	PullReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_reconnects_total",
			Help:      "Remote live query reconnect attempts",
		},
		[]string{"pull"},
	)

	// PullQueueDepth tracks pending tasks per pull.
	PullQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pull_queue_depth",
			Help:      "Pending replication tasks",
		},
		[]string{"pull"},
	)
)

func init() {
	prometheus.MustRegister(StreamsOpen)
	prometheus.MustRegister(StreamRowsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(IngestBytesTotal)
	prometheus.MustRegister(PullTasksTotal)
	prometheus.MustRegister(PullReconnectsTotal)
	prometheus.MustRegister(PullQueueDepth)
}
