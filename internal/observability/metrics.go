// Package observability holds process-wide metrics and tracing setup.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ingestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "ingest",
		Name:      "requests_total",
		Help:      "Ingestion requests grouped by record type and outcome.",
	}, []string{"record_type", "outcome"})

	payloadBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "ingest",
		Name:      "payload_bytes",
		Help:      "Size of accepted ingestion bodies.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"record_type"})

	persistGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "persistence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent row written, per table.",
	}, []string{"record_type"})

	storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "persistence",
		Name:      "errors_total",
		Help:      "Storage failures grouped by operation and class (unavailable, rejected).",
	}, []string{"operation", "class"})

	hashMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "ingest",
		Name:      "client_hash_mismatches_total",
		Help:      "Syncs whose client payload_hash differed from the server fingerprint.",
	}, []string{"record_type"})
)

func init() {
	prometheus.MustRegister(ingestCounter, payloadBytes, persistGauge, storageErrors, hashMismatches)
}

// RecordIngest counts one ingestion request. Outcome is accepted, skipped or an error type.
func RecordIngest(recordType, outcome string, size int) {
	ingestCounter.WithLabelValues(recordType, outcome).Inc()
	if outcome == "accepted" && size > 0 {
		payloadBytes.WithLabelValues(recordType).Observe(float64(size))
	}
}

// RecordPersisted updates the per-table persistence watermark.
func RecordPersisted(recordType string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	persistGauge.WithLabelValues(recordType).Set(float64(ts.Unix()))
}

// RecordStorageError counts a classified storage failure.
func RecordStorageError(operation, class string) {
	storageErrors.WithLabelValues(operation, class).Inc()
}

// RecordHashMismatch counts a sync whose client payload_hash was overridden.
func RecordHashMismatch(recordType string) {
	hashMismatches.WithLabelValues(recordType).Inc()
}
