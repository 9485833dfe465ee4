package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalogue / index metrics

	ArchiveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdb_archive_total",
			Help: "Total number of datum-key archives accepted, by DB",
		},
		[]string{"db"},
	)

	ArchiveBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdb_archive_bytes_total",
			Help: "Total bytes archived, by DB",
		},
		[]string{"db"},
	)

	RetrieveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdb_retrieve_total",
			Help: "Total number of retrieve requests, by DB and outcome",
		},
		[]string{"db", "outcome"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdb_flush_duration_seconds",
			Help:    "Time taken to flush a Catalogue's dirty Indexes",
			Buckets: prometheus.DefBuckets,
		},
	)

	IndexesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fdb_indexes_open",
			Help: "Number of Index handles currently open process-wide",
		},
	)

	TOCRecordsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdb_toc_records_appended_total",
			Help: "Total TOC records appended, by record kind",
		},
		[]string{"kind"},
	)

	// Wipe/purge/list visitor metrics

	WipeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdb_wipe_duration_seconds",
			Help:    "Time taken to complete a wipe operation",
			Buckets: prometheus.DefBuckets,
		},
	)

	WipeURIsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fdb_wipe_uris_deleted_total",
			Help: "Total physical storage URIs deleted by wipe",
		},
	)

	WipeResidualsFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fdb_wipe_residuals_found_total",
			Help: "Total residual URIs encountered during full wipes",
		},
	)

	ListEntriesEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fdb_list_entries_emitted_total",
			Help: "Total (key, FieldLocation) entries emitted by the List visitor",
		},
	)

	// Wire protocol / server metrics

	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdb_connections_active",
			Help: "Active client connections by channel kind (control, data)",
		},
		[]string{"channel"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdb_requests_total",
			Help: "Total wire requests handled, by message kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fdb_request_duration_seconds",
			Help:    "Wire request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReadLimiterWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdb_read_limiter_wait_seconds",
			Help:    "Time a retrieve request waited for read-limiter budget",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadLimiterBytesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fdb_read_limiter_bytes_in_flight",
			Help: "Bytes currently reserved against the global read limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ArchiveTotal,
		ArchiveBytesTotal,
		RetrieveTotal,
		FlushDuration,
		IndexesOpen,
		TOCRecordsAppended,
		WipeDuration,
		WipeURIsDeleted,
		WipeResidualsFound,
		ListEntriesEmitted,
		ConnectionsActive,
		RequestsTotal,
		RequestDuration,
		ReadLimiterWaitDuration,
		ReadLimiterBytesInFlight,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
