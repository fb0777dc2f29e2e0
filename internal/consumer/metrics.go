package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "relay",
		Name:      "syncs_relayed_total",
		Help:      "Sync events relayed, by sink, record type and result (ok, failed).",
	}, []string{"sink", "record_type", "result"})

	skippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "relay",
		Name:      "events_skipped_total",
		Help:      "Events committed without delivery: undecodable headers, undecodable bodies or foreign event types.",
	}, []string{"reason"})

	syncLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "relay",
		Name:      "sync_lag_seconds",
		Help:      "Time between a sync event being produced and its relay being committed.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"record_type"})

	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "relay",
		Name:      "last_sync_committed_timestamp_seconds",
		Help:      "Produce time of the newest sync event the relay committed.",
	})
)

// skip reasons
const (
	skipBadHeaders   = "bad_headers"
	skipBadBody      = "bad_body"
	skipForeignEvent = "foreign_event"
)

func init() {
	prometheus.MustRegister(relayedCounter, skippedCounter, syncLag, lastSyncGauge)
}

func recordRelayed(sink, recordType string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	relayedCounter.WithLabelValues(sink, labelOrUnknown(recordType), result).Inc()
}

func recordSkipped(reason string) {
	skippedCounter.WithLabelValues(reason).Inc()
}

func recordCommitted(msg Message, now time.Time) {
	if msg.Timestamp.IsZero() {
		return
	}
	syncLag.WithLabelValues(labelOrUnknown(msg.RecordType)).Observe(now.Sub(msg.Timestamp).Seconds())
	lastSyncGauge.Set(float64(msg.Timestamp.Unix()))
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
