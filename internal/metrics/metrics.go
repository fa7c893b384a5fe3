// Package metrics holds the Prometheus collectors of the sync client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Writes
	MutationBatchesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_mutation_batches_queued_total",
		Help: "The total number of mutation batches written locally",
	})

	MutationBatchesAcknowledged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_mutation_batches_acknowledged_total",
		Help: "The total number of mutation batches acknowledged by the server",
	})

	MutationBatchesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_mutation_batches_rejected_total",
		Help: "The total number of mutation batches rejected by the server",
	}, []string{"code"})

	PendingBatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_pending_batches",
		Help: "The current number of unacknowledged mutation batches",
	})

	// Watch
	RemoteEventsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_remote_events_applied_total",
		Help: "The total number of remote events applied to the local store",
	})

	DocumentUpdatesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_document_updates_applied_total",
		Help: "The total number of document updates applied from the watch stream",
	})

	TargetResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_target_resets_total",
		Help: "The total number of watch targets reset after an existence filter mismatch",
	}, []string{"purpose"})

	// Limbo
	ActiveLimboResolutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_active_limbo_resolutions",
		Help: "The current number of limbo documents being resolved",
	})

	EnqueuedLimboResolutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_enqueued_limbo_resolutions",
		Help: "The current number of limbo documents waiting for a resolution slot",
	})

	// Streams
	StreamStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_stream_starts_total",
		Help: "The total number of stream connection attempts",
	}, []string{"stream"})

	StreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_stream_errors_total",
		Help: "The total number of streams closed by an error",
	}, []string{"stream", "code"})

	OnlineState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_online_state",
		Help: "The online state of the client (0 unknown, 1 online, 2 offline)",
	})
)

func init() {
	prometheus.MustRegister(MutationBatchesQueued)
	prometheus.MustRegister(MutationBatchesAcknowledged)
	prometheus.MustRegister(MutationBatchesRejected)
	prometheus.MustRegister(PendingBatches)
	prometheus.MustRegister(RemoteEventsApplied)
	prometheus.MustRegister(DocumentUpdatesApplied)
	prometheus.MustRegister(TargetResets)
	prometheus.MustRegister(ActiveLimboResolutions)
	prometheus.MustRegister(EnqueuedLimboResolutions)
	prometheus.MustRegister(StreamStarts)
	prometheus.MustRegister(StreamErrors)
	prometheus.MustRegister(OnlineState)
}
