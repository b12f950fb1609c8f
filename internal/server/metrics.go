package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of server metrics.
var metricsInstance *Metrics

// Metrics holds the Prometheus metrics for the object API.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // castore_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // castore_request_duration_seconds{operation}

	BytesUploaded   prometheus.Counter // castore_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // castore_bytes_downloaded_total

	BlocksReclaimed prometheus.Counter // castore_blocks_reclaimed_total
	LockConflicts   prometheus.Counter // castore_lock_conflicts_total
}

// InitMetrics initializes the server metrics. Metrics are only registered
// once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "castore_requests_total",
				Help: "Total object API requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "castore_request_duration_seconds",
				Help:    "Object API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "castore_bytes_uploaded_total",
				Help: "Total part bytes received",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "castore_bytes_downloaded_total",
				Help: "Total object bytes served",
			}),

			BlocksReclaimed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "castore_blocks_reclaimed_total",
				Help: "Total blocks physically reclaimed after their last reference was removed",
			}),

			LockConflicts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "castore_lock_conflicts_total",
				Help: "Total part uploads rejected because the object was locked",
			}),
		}
	})
	return metricsInstance
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records received part bytes.
func (m *Metrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records served object bytes.
func (m *Metrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}

// RecordReclaimed records blocks reclaimed by a delete.
func (m *Metrics) RecordReclaimed(blocks int) {
	if blocks > 0 {
		m.BlocksReclaimed.Add(float64(blocks))
	}
}

// RecordLockConflict records a rejected concurrent write.
func (m *Metrics) RecordLockConflict() {
	m.LockConflicts.Inc()
}
