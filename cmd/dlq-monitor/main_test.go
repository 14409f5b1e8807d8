package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/payload"
)

func newTestMonitor() *monitor {
	logger := logging.New("dlq-monitor-test")
	logger.SetOutput(io.Discard)
	return &monitor{
		logger:  logger,
		client:  http.DefaultClient,
		topic:   "payloads_dlq",
		channel: "dlq-monitor",
	}
}

func TestRegisterMetrics(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("registerMetrics() panicked: %v", r)
		}
	}()
	registerMetrics(prometheus.NewRegistry())
}

func TestHandle(t *testing.T) {
	dlqReceived.Reset()
	malformedBefore := testutil.ToFloat64(dlqMalformed)

	p := payload.New(payload.KindReport, "http://c/notify", nil, []byte(`{}`))
	good, err := json.Marshal(delivery.NewDeadLetter(context.Background(), p, payload.StatusFailure(400)))
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	noReason, _ := json.Marshal(delivery.DeadLetter{Type: delivery.DLQType, Payload: p})
	wrongType, _ := json.Marshal(delivery.DeadLetter{Type: "delivery.dlq"})

	m := newTestMonitor()
	for _, body := range [][]byte{good, good, noReason, wrongType, []byte("not json")} {
		if err := m.handle(context.Background(), body); err != nil {
			t.Errorf("handle() error = %v, want nil", err)
		}
	}

	if v := testutil.ToFloat64(dlqReceived.WithLabelValues("report", "http_4xx")); v != 2 {
		t.Errorf("received[report,http_4xx] = %v, want 2", v)
	}
	if v := testutil.ToFloat64(dlqReceived.WithLabelValues("report", "unknown")); v != 1 {
		t.Errorf("received[report,unknown] = %v, want 1", v)
	}
	if v := testutil.ToFloat64(dlqMalformed) - malformedBefore; v != 2 {
		t.Errorf("malformed = %v, want 2", v)
	}
}

func TestUpdateMetrics(t *testing.T) {
	type label struct {
		topic   string
		channel string
	}

	testCases := []struct {
		name        string
		payload     string
		status      int
		wantErr     bool
		wantBacklog float64
		wantDepth   map[label]float64
	}{
		{
			name: "monitor channel sets backlog",
			payload: `{
				"topics": [
					{
						"topic_name": "payloads_dlq",
						"channels": [
							{"channel_name": "dlq-monitor", "depth": 7, "in_flight_count": 1},
							{"channel_name": "archive", "depth": 3, "in_flight_count": 0}
						],
						"depth": 0
					},
					{
						"topic_name": "other",
						"channels": [{"channel_name": "x", "depth": 99}]
					}
				]
			}`,
			wantBacklog: 8,
			wantDepth: map[label]float64{
				{topic: "payloads_dlq", channel: "dlq-monitor"}: 7,
				{topic: "payloads_dlq", channel: "archive"}:     3,
			},
		},
		{
			name:    "invalid payload returns error",
			payload: `invalid-json`,
			wantErr: true,
		},
		{
			name:    "server error returns error",
			status:  http.StatusInternalServerError,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dlqBacklog.Set(0)
			dlqChannelDepth.Reset()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" || r.URL.Query().Get("topic") != "payloads_dlq" {
					t.Errorf("unexpected request %q", r.URL.String())
				}
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer server.Close()

			m := newTestMonitor()
			err := m.updateMetrics(context.Background(), strings.TrimPrefix(server.URL, "http://"))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("updateMetrics returned error: %v", err)
			}

			if got := testutil.ToFloat64(dlqBacklog); got != tc.wantBacklog {
				t.Errorf("dlqBacklog = %v, want %v", got, tc.wantBacklog)
			}
			for lbl, want := range tc.wantDepth {
				if got := testutil.ToFloat64(dlqChannelDepth.WithLabelValues(lbl.topic, lbl.channel)); got != want {
					t.Errorf("dlqChannelDepth[%s/%s] = %v, want %v", lbl.topic, lbl.channel, got, want)
				}
			}
			if n := testutil.CollectAndCount(dlqChannelDepth); n != len(tc.wantDepth) {
				t.Errorf("dlqChannelDepth series = %d, want %d", n, len(tc.wantDepth))
			}
		})
	}
}
