package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts grouped by sink and result.",
	}, []string{"sink", "result"})

	droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped because too many deliveries were in flight.",
	})

	deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "notify",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering a notification to one sink.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(deliveredCounter, droppedCounter, deliveryDuration)
}

func recordDelivery(sink string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	deliveredCounter.WithLabelValues(sink, result).Inc()
}
