package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricFetchAttempts  = "fetch_attempts_total"
	MetricFetchFailures  = "fetch_failed_batches_total"
	MetricRecordsFetched = "records_fetched_total"
	MetricRowsLoaded     = "rows_loaded_total"
	MetricSchemaChanges  = "schema_changes_total"
	MetricPhaseDurationS = "phase_duration_seconds"
	MetricMetadataPruned = "metadata_entries_pruned_total"
	namespace            = "usermetrics"
	labelCategory        = "category"
	labelPhase           = "phase"
	labelStatus          = "status"
)

var CounterFetchAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFetchAttempts,
		Help:      "HTTP requests issued against the source, retries included.",
	},
	[]string{labelCategory},
)

var CounterFetchFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricFetchFailures,
		Help:      "Batches that exhausted their retries and contributed nothing.",
	},
	[]string{labelCategory},
)

var CounterRecordsFetched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRecordsFetched,
		Help:      "Raw records received from the source.",
	},
	[]string{labelCategory},
)

var CounterRowsLoaded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRowsLoaded,
		Help:      "Rows inserted into the analytical table.",
	},
)

var CounterSchemaChanges = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricSchemaChanges,
		Help:      "Snapshots whose schema signature differs from the previous one.",
	},
)

var CounterMetadataPruned = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricMetadataPruned,
		Help:      "Metadata log entries removed by retention cleanup.",
	},
)

var HistogramPhaseDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricPhaseDurationS,
		Help:      "Wall time of pipeline phases.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	},
	[]string{labelPhase, labelStatus},
)

func init() {
	prometheus.MustRegister(CounterFetchAttempts)
	prometheus.MustRegister(CounterFetchFailures)
	prometheus.MustRegister(CounterRecordsFetched)
	prometheus.MustRegister(CounterRowsLoaded)
	prometheus.MustRegister(CounterSchemaChanges)
	prometheus.MustRegister(CounterMetadataPruned)
	prometheus.MustRegister(HistogramPhaseDuration)
}
