package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline counters polled by an external telemetry
// collector. All series carry a "pipeline" label identifying the instance.
type Metrics struct {
	RecordsProduced    *prometheus.CounterVec
	RecordsDelivered   *prometheus.CounterVec
	RecordsRetried     *prometheus.CounterVec
	RecordsErrorRouted *prometheus.CounterVec
	RecordsDropped     *prometheus.CounterVec

	BacklogOccupancy *prometheus.GaugeVec
	DeliveryDuration *prometheus.HistogramVec

	Restarts *prometheus.CounterVec
}

// New registers all pipeline metrics against reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsProduced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsluice_records_produced_total",
				Help: "Records emitted by input connectors",
			},
			[]string{"pipeline"},
		),
		RecordsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsluice_records_delivered_total",
				Help: "Records acknowledged by the output connector",
			},
			[]string{"pipeline"},
		),
		RecordsRetried: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsluice_records_retried_total",
				Help: "Delivery retries across all records",
			},
			[]string{"pipeline"},
		),
		RecordsErrorRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsluice_records_error_routed_total",
				Help: "Records routed to the error sink after terminal delivery failure",
			},
			[]string{"pipeline"},
		),
		RecordsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsluice_records_dropped_total",
				Help: "Records dropped on a full backlog (drop mode) or forced shutdown",
			},
			[]string{"pipeline"},
		),
		BacklogOccupancy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "logsluice_backlog_occupancy",
				Help: "Envelopes currently buffered between ingestion and delivery",
			},
			[]string{"pipeline"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logsluice_delivery_seconds",
				Help:    "Output connector deliver call duration",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"pipeline"},
		),
		Restarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsluice_pipeline_restarts_total",
				Help: "Pipeline instance restarts after a fatal connector error",
			},
			[]string{"pipeline"},
		),
	}
}
