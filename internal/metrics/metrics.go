package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_dispatch_total",
			Help: "Total number of dispatch calls by kind and result.",
		},
		[]string{"kind", "result"}, // delivered, queued, retry_queued, dropped, unencodable
	)

	RedeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_redeliveries_total",
			Help: "Total number of redelivery attempts by kind and result.",
		},
		[]string{"kind", "result"}, // delivered, discarded, deferred
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_failures_total",
			Help: "Total number of failed delivery attempts by kind and reason.",
		},
		[]string{"kind", "reason"}, // e.g. http_5xx, timeout, network, serialization
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_delivery_latency_seconds",
			Help:    "Latency of delivery attempts to the collector.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_depth",
			Help: "Number of undelivered payloads waiting per kind.",
		},
		[]string{"kind"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_dead_letters_total",
			Help: "Total number of payloads discarded as permanently undeliverable.",
		},
		[]string{"kind"},
	)

	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_storage_errors_total",
			Help: "Total number of queue persistence errors by kind and operation.",
		},
		[]string{"kind", "op"}, // init, enqueue, ack
	)

	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_connected",
			Help: "1 when the collector is considered reachable, 0 otherwise.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DispatchTotal,
		RedeliveriesTotal,
		FailuresTotal,
		DeliveryLatency,
		QueueDepth,
		DeadLettersTotal,
		StorageErrorsTotal,
		Connected,
	)
}

// RecordDispatch counts the result of a Dispatch call.
func RecordDispatch(kind, result string) {
	DispatchTotal.WithLabelValues(kind, result).Inc()
}

// RecordRedelivery counts one attempt made by a redelivery loop.
func RecordRedelivery(kind, result string) {
	RedeliveriesTotal.WithLabelValues(kind, result).Inc()
}

// RecordFailure counts a failed attempt with its classified reason.
func RecordFailure(kind, reason string) {
	FailuresTotal.WithLabelValues(kind, reason).Inc()
}

// ObserveLatency records how long one transport call took.
func ObserveLatency(kind string, d time.Duration) {
	DeliveryLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func SetQueueDepth(kind string, depth int) {
	QueueDepth.WithLabelValues(kind).Set(float64(depth))
}

func RecordDeadLetter(kind string) {
	DeadLettersTotal.WithLabelValues(kind).Inc()
}

func RecordStorageError(kind, op string) {
	StorageErrorsTotal.WithLabelValues(kind, op).Inc()
}

// SetConnected mirrors the connectivity state.
func SetConnected(connected bool) {
	if connected {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}
