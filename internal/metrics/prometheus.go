package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tsbucket"

// Metrics holds all Prometheus metrics for the bucket catalog node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Catalog metrics
	InsertsTotal          *prometheus.CounterVec
	BucketsOpenedTotal    *prometheus.CounterVec
	BucketsClosedTotal    *prometheus.CounterVec
	BucketsClearedTotal   *prometheus.CounterVec
	OpenBuckets           prometheus.Gauge
	CommitsTotal          *prometheus.CounterVec
	CommitBatchSize       prometheus.Histogram
	MeasurementsCommitted *prometheus.CounterVec
	ClearWaitsTotal       *prometheus.CounterVec
	BatchesAbortedTotal   *prometheus.CounterVec

	// Store metrics
	StoreWritesTotal   prometheus.Counter
	StoreWriteDuration prometheus.Histogram
	StoreWriteBytes    prometheus.Histogram
	StoreSegmentsTotal prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Worker pool metrics
	CommitQueueRejections prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		InsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "inserts_total",
			Help:        "Total number of measurements routed into buckets",
			ConstLabels: labels,
		}, []string{"ns"}),
		BucketsOpenedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "buckets_opened_total",
			Help:        "Total number of buckets opened, by reason",
			ConstLabels: labels,
		}, []string{"ns", "reason"}),
		BucketsClosedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "buckets_closed_total",
			Help:        "Total number of buckets closed, by reason",
			ConstLabels: labels,
		}, []string{"ns", "reason"}),
		BucketsClearedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "buckets_cleared_total",
			Help:        "Total number of buckets invalidated by clear",
			ConstLabels: labels,
		}, []string{"ns"}),
		OpenBuckets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "open_buckets",
			Help:        "Current number of buckets tracked by the catalog",
			ConstLabels: labels,
		}),
		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "commits_total",
			Help:        "Total number of finished batches, by outcome",
			ConstLabels: labels,
		}, []string{"ns", "outcome"}),
		CommitBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "commit_batch_size",
			Help:        "Histogram of measurements per committed batch",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 11), // 1 to 1024
		}),
		MeasurementsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "measurements_committed_total",
			Help:        "Total number of measurements committed",
			ConstLabels: labels,
		}, []string{"ns"}),
		ClearWaitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "clear_waits_total",
			Help:        "Total number of clears that blocked on an in-flight commit",
			ConstLabels: labels,
		}, []string{"ns"}),
		BatchesAbortedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "catalog",
			Name:        "batches_aborted_total",
			Help:        "Total number of batches aborted because their bucket was cleared",
			ConstLabels: labels,
		}, []string{"ns"}),

		StoreWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "writes_total",
			Help:        "Total number of bucket records written",
			ConstLabels: labels,
		}),
		StoreWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "write_duration_seconds",
			Help:        "Histogram of bucket record write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		StoreWriteBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "write_bytes",
			Help:        "Histogram of bucket record sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 2, 12), // 256B to 512KB
		}),
		StoreSegmentsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "segments_total",
			Help:        "Number of segment files opened since start",
			ConstLabels: labels,
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Histogram of HTTP request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),

		CommitQueueRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "commit_pool",
			Name:        "rejections_total",
			Help:        "Commits executed inline because the commit pool was saturated",
			ConstLabels: labels,
		}),
	}
}

// RecordInsert counts one routed measurement
func (m *Metrics) RecordInsert(ns string) {
	if m == nil {
		return
	}
	m.InsertsTotal.WithLabelValues(ns).Inc()
}

// RecordBucketOpened counts a new bucket and bumps the open gauge
func (m *Metrics) RecordBucketOpened(ns, reason string) {
	if m == nil {
		return
	}
	m.BucketsOpenedTotal.WithLabelValues(ns, reason).Inc()
	m.OpenBuckets.Inc()
}

// RecordBucketClosed counts a bucket closed for reason
func (m *Metrics) RecordBucketClosed(ns, reason string) {
	if m == nil {
		return
	}
	m.BucketsClosedTotal.WithLabelValues(ns, reason).Inc()
}

// RecordBucketForgotten drops a bucket from the open gauge
func (m *Metrics) RecordBucketForgotten() {
	if m == nil {
		return
	}
	m.OpenBuckets.Dec()
}

// RecordBucketCleared counts a cleared bucket and whether the clear waited
func (m *Metrics) RecordBucketCleared(ns string, waited, aborted bool) {
	if m == nil {
		return
	}
	m.BucketsClearedTotal.WithLabelValues(ns).Inc()
	if waited {
		m.ClearWaitsTotal.WithLabelValues(ns).Inc()
	}
	if aborted {
		m.BatchesAbortedTotal.WithLabelValues(ns).Inc()
	}
}

// RecordBatchAborted counts a batch aborted outside of a clear call
func (m *Metrics) RecordBatchAborted(ns string) {
	if m == nil {
		return
	}
	m.BatchesAbortedTotal.WithLabelValues(ns).Inc()
}

// RecordCommit counts a finished batch
func (m *Metrics) RecordCommit(ns string, size int, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.CommitsTotal.WithLabelValues(ns, outcome).Inc()
	if ok {
		m.CommitBatchSize.Observe(float64(size))
		m.MeasurementsCommitted.WithLabelValues(ns).Add(float64(size))
	}
}

// RecordStoreWrite observes a bucket record write
func (m *Metrics) RecordStoreWrite(bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreWritesTotal.Inc()
	m.StoreWriteBytes.Observe(float64(bytes))
	m.StoreWriteDuration.Observe(d.Seconds())
}

// RecordSegmentOpened counts a new segment file
func (m *Metrics) RecordSegmentOpened() {
	if m == nil {
		return
	}
	m.StoreSegmentsTotal.Inc()
}

// RecordHTTPRequest observes a served request
func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordCommitInline counts a commit the pool could not take
func (m *Metrics) RecordCommitInline() {
	if m == nil {
		return
	}
	m.CommitQueueRejections.Inc()
}
