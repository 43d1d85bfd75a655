// Prometheus collectors for the reconciliation engine. Labels are kept to
// small fixed vocabularies so cardinality stays bounded:
//
//   - op:     governed messenger operation ("thread_create", "message_send")
//   - result: terminal outcome ("ok", "retryable", "permanent")
//   - kind:   queue name ("threads", "sends") or review kind ("good", "bad")
//
// All collectors are safe for concurrent use.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// Ticks counts completed reconciliation ticks.
	Ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_ticks_total",
			Help: "Total number of completed reconciliation ticks.",
		},
	)

	// ThreadsCreated counts conversation threads opened for purchases.
	ThreadsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_threads_created_total",
			Help: "Total number of conversation threads created.",
		},
	)

	// Deliveries counts message deliveries by direction and result.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_deliveries_total",
			Help: "Total message deliveries by direction and result.",
		},
		[]string{"direction", "result"},
	)

	// DedupHits counts inbound messages skipped by the dedup ledger.
	DedupHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_dedup_hits_total",
			Help: "Total inbound messages skipped as already delivered.",
		},
	)

	// BackpressureEvents counts flood-control windows opened, by operation.
	BackpressureEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_backpressure_events_total",
			Help: "Total flood-control windows opened by the messenger.",
		},
		[]string{"op"},
	)

	// QueueDepth gauges durable pending-work queue depth by queue name.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_queue_depth",
			Help: "Current pending-work queue depth.",
		},
		[]string{"kind"},
	)

	// ReviewsRelayed counts reviews posted into threads by kind.
	ReviewsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_reviews_relayed_total",
			Help: "Total buyer reviews relayed into threads.",
		},
		[]string{"kind"},
	)

	// ThreadsRecreated counts threads rebuilt after platform-side deletion.
	ThreadsRecreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_threads_recreated_total",
			Help: "Total threads recreated after being deleted on the platform.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Ticks,
		ThreadsCreated,
		Deliveries,
		DedupHits,
		BackpressureEvents,
		QueueDepth,
		ReviewsRelayed,
		ThreadsRecreated,
	)
}
