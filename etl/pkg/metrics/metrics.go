// Package metrics holds the Prometheus collectors for the reports ETL.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bionicpro_reports_etl"

// Run outcome label values.
const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusSkipped = "skipped"
)

// Invalidation outcome label values.
const (
	InvalidationStatusOK     = "ok"
	InvalidationStatusFailed = "failed"
)

type Metrics struct {
	RunsTotal            *prometheus.CounterVec
	RunDuration          prometheus.Histogram
	TaskRetriesTotal     *prometheus.CounterVec
	ExtractRowsTotal     *prometheus.CounterVec
	RowsLoadedTotal      prometheus.Counter
	OrphanTelemetryTotal prometheus.Counter
	InvalidMetricTotal   prometheus.Counter
	InvalidationsTotal   *prometheus.CounterVec
	LockContentionTotal  prometheus.Counter
}

// New registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall clock duration of pipeline runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		TaskRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Retry attempts by pipeline task",
		}, []string{"task"}),
		ExtractRowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_rows_total",
			Help:      "Rows extracted by source",
		}, []string{"source"}),
		RowsLoadedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Fact rows written to the mart",
		}),
		OrphanTelemetryTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_telemetry_total",
			Help:      "Telemetry rows dropped because no reference row matched their chip",
		}),
		InvalidMetricTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_metric_total",
			Help:      "Telemetry rows dropped because metric values failed validation",
		}),
		InvalidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Cache invalidation calls by outcome",
		}, []string{"status"}),
		LockContentionTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Scheduled runs skipped because another instance held the run lock",
		}),
	}
}
