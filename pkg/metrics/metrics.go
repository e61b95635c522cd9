package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all pipeline metrics. Constructors do not register with any
// registry; call MustRegister once at process startup so tests can build
// throwaway instances freely.
type Metrics struct {
	// Detector
	SnapshotsIngested prometheus.Counter
	SnapshotsRejected prometheus.Counter
	MovementsDetected *prometheus.CounterVec
	AlertsTriggered   prometheus.Counter
	AlertsSuppressed  prometheus.Counter

	// Queue
	EventsEnqueued     prometheus.Counter
	EventsAcked        prometheus.Counter
	EventsRetried      prometheus.Counter
	EventsDeadLettered prometheus.Counter
	EventsDropped      prometheus.Counter

	// Router
	EventsRouted   prometheus.Counter
	EventsFiltered prometheus.Counter
	RoutingErrors  prometheus.Counter
	RoutingLatency prometheus.Histogram

	// Dispatcher
	DeliverySuccess *prometheus.CounterVec
	DeliveryRetries *prometheus.CounterVec
	DeliveryFailed  *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		SnapshotsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_ingested_total",
			Help:      "Total number of odds snapshots accepted",
		}),
		SnapshotsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_rejected_total",
			Help:      "Total number of odds snapshots that failed validation",
		}),
		MovementsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "movements_detected_total",
			Help:      "Total number of classified odds movements",
		}, []string{"type"}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Total number of alert events emitted",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Total number of qualifying movements suppressed by the per-fight cooldown",
		}),
		EventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_enqueued_total",
			Help:      "Total number of events appended to the durable log",
		}),
		EventsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_acked_total",
			Help:      "Total number of events acknowledged after successful handling",
		}),
		EventsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_retried_total",
			Help:      "Total number of events re-enqueued after a handler failure",
		}),
		EventsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_dead_lettered_total",
			Help:      "Total number of events moved to the dead-letter log",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_events_dropped_total",
			Help:      "Total number of events acked and dropped for lack of a handler",
		}),
		EventsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_events_processed_total",
			Help:      "Total number of events routed to at least one user",
		}),
		EventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_events_filtered_total",
			Help:      "Total number of events matching no user",
		}),
		RoutingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_errors_total",
			Help:      "Total number of routing failures",
		}),
		RoutingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_processing_duration_seconds",
			Help:      "Per-event routing latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		DeliverySuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_success_total",
			Help:      "Total number of successful channel deliveries",
		}, []string{"channel"}),
		DeliveryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Total number of scheduled delivery retries",
		}, []string{"channel"}),
		DeliveryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failed_total",
			Help:      "Total number of terminal delivery failures",
		}, []string{"channel"}),
	}
}

// MustRegister registers every metric with the given registerer.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.SnapshotsIngested,
		m.SnapshotsRejected,
		m.MovementsDetected,
		m.AlertsTriggered,
		m.AlertsSuppressed,
		m.EventsEnqueued,
		m.EventsAcked,
		m.EventsRetried,
		m.EventsDeadLettered,
		m.EventsDropped,
		m.EventsRouted,
		m.EventsFiltered,
		m.RoutingErrors,
		m.RoutingLatency,
		m.DeliverySuccess,
		m.DeliveryRetries,
		m.DeliveryFailed,
	)
}
