package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(registry)

	// Record some values so metrics appear in Gather()
	RecordDispatch("report", "delivered")
	RecordRedelivery("session", "delivered")
	RecordFailure("report", "timeout")
	ObserveLatency("report", 50*time.Millisecond)
	SetQueueDepth("report", 2)
	RecordDeadLetter("report")
	RecordStorageError("session", "enqueue")
	SetConnected(true)

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"harborrelay_dispatch_total",
		"harborrelay_redeliveries_total",
		"harborrelay_failures_total",
		"harborrelay_delivery_latency_seconds",
		"harborrelay_queue_depth",
		"harborrelay_dead_letters_total",
		"harborrelay_storage_errors_total",
		"harborrelay_connected",
	}

	registeredMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		registeredMetrics[mf.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !registeredMetrics[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordDispatch(t *testing.T) {
	DispatchTotal.Reset()

	tests := []struct {
		name   string
		kind   string
		result string
		calls  int
	}{
		{name: "delivered report", kind: "report", result: "delivered", calls: 1},
		{name: "queued sessions", kind: "session", result: "queued", calls: 4},
		{name: "dropped report", kind: "report", result: "dropped", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDispatch(tt.kind, tt.result)
			}

			value := testutil.ToFloat64(DispatchTotal.WithLabelValues(tt.kind, tt.result))
			if value != float64(tt.calls) {
				t.Errorf("RecordDispatch() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordRedeliveryAndFailure(t *testing.T) {
	RedeliveriesTotal.Reset()
	FailuresTotal.Reset()

	RecordRedelivery("report", "delivered")
	RecordRedelivery("report", "delivered")
	RecordRedelivery("report", "deferred")
	RecordFailure("report", "http_5xx")

	if v := testutil.ToFloat64(RedeliveriesTotal.WithLabelValues("report", "delivered")); v != 2 {
		t.Errorf("delivered redeliveries = %f, want 2", v)
	}
	if v := testutil.ToFloat64(RedeliveriesTotal.WithLabelValues("report", "deferred")); v != 1 {
		t.Errorf("deferred redeliveries = %f, want 1", v)
	}
	if v := testutil.ToFloat64(FailuresTotal.WithLabelValues("report", "http_5xx")); v != 1 {
		t.Errorf("failures = %f, want 1", v)
	}
}

func TestSetQueueDepth(t *testing.T) {
	QueueDepth.Reset()

	SetQueueDepth("session", 7)
	SetQueueDepth("session", 3)

	if v := testutil.ToFloat64(QueueDepth.WithLabelValues("session")); v != 3 {
		t.Errorf("queue depth = %f, want 3", v)
	}
}

func TestSetConnected(t *testing.T) {
	SetConnected(true)
	if v := testutil.ToFloat64(Connected); v != 1 {
		t.Errorf("connected = %f, want 1", v)
	}
	SetConnected(false)
	if v := testutil.ToFloat64(Connected); v != 0 {
		t.Errorf("connected = %f, want 0", v)
	}
}

func TestDeadLettersAndStorageErrors(t *testing.T) {
	DeadLettersTotal.Reset()
	StorageErrorsTotal.Reset()

	RecordDeadLetter("report")
	RecordStorageError("report", "ack")
	RecordStorageError("report", "ack")

	if v := testutil.ToFloat64(DeadLettersTotal.WithLabelValues("report")); v != 1 {
		t.Errorf("dead letters = %f, want 1", v)
	}
	if v := testutil.ToFloat64(StorageErrorsTotal.WithLabelValues("report", "ack")); v != 2 {
		t.Errorf("storage errors = %f, want 2", v)
	}
}

func TestObserveLatency(t *testing.T) {
	DeliveryLatency.Reset()

	ObserveLatency("session", 120*time.Millisecond)
	ObserveLatency("session", 2*time.Second)

	if n := testutil.CollectAndCount(DeliveryLatency); n != 1 {
		t.Errorf("latency series = %d, want 1", n)
	}
}
