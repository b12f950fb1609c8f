package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitMetricsSingleton(t *testing.T) {
	registry := prometheus.NewRegistry()

	m1 := InitMetrics(registry)
	m2 := InitMetrics(prometheus.NewRegistry())
	assert.Same(t, m1, m2, "InitMetrics should return the same instance")
}

func TestMetricsRecording(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())

	m.RecordRequest("UploadPart", "success", 0.01)
	m.RecordUpload(100)
	m.RecordDownload(200)
	m.RecordReclaimed(3)
	m.RecordReclaimed(0) // no-op
	m.RecordLockConflict()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("UploadPart", "success")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.BytesUploaded), float64(100))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.BytesDownloaded), float64(200))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.BlocksReclaimed), float64(3))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.LockConflicts), float64(1))
}
