package metric

import "github.com/prometheus/client_golang/prometheus"

const namespace = "coldchain"

// EngineMetrics tracks pipeline-wide counters shared by the stream processor.
type EngineMetrics struct {
	EventsReceived    *prometheus.CounterVec
	EventsProcessed   *prometheus.CounterVec
	EventsFailed      *prometheus.CounterVec
	EventsSkipped     *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
	AlertsCleared     *prometheus.CounterVec
	ProcessingSeconds *prometheus.HistogramVec
}

// NewEngineMetrics builds the engine collector set and registers it under
// the "engine" prefix.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	m := &EngineMetrics{
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Telemetry and alert events received from the stream",
			},
			[]string{"subject"},
		),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Events fully processed through the pipeline",
			},
			[]string{"subject"},
		),
		EventsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_failed_total",
				Help:      "Events that failed processing after retries",
			},
			[]string{"subject"},
		),
		EventsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_skipped_total",
				Help:      "Events skipped because the payload could not be decoded",
			},
			[]string{"subject"},
		),
		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Asset state transitions by resulting classification",
			},
			[]string{"state"},
		),
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_raised_total",
				Help:      "Alerts raised by classification",
			},
			[]string{"state"},
		),
		AlertsCleared: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_cleared_total",
				Help:      "Active alerts cleared after recovery to normal",
			},
			[]string{"asset_type"},
		),
		ProcessingSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_processing_seconds",
				Help:      "End-to-end processing latency per event",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"subject"},
		),
	}

	registry.MustRegister("engine",
		m.EventsReceived,
		m.EventsProcessed,
		m.EventsFailed,
		m.EventsSkipped,
		m.StateTransitions,
		m.AlertsRaised,
		m.AlertsCleared,
		m.ProcessingSeconds,
	)

	return m
}
