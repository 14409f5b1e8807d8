package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Transport performs one delivery attempt. It returns nil on a 2xx response
// and a *payload.Failure otherwise.
type Transport interface {
	Send(ctx context.Context, p payload.Payload) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, p payload.Payload) error

func (f TransportFunc) Send(ctx context.Context, p payload.Payload) error { return f(ctx, p) }

// HTTPTransport posts payloads to the collector.
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

// NewHTTPTransport returns a transport whose attempts are bounded by timeout.
// A zero timeout leaves attempts unbounded, so a hung request stalls that
// kind's redelivery loop until the collector answers.
func NewHTTPTransport(client *http.Client, timeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, timeout: timeout, now: time.Now}
}

func (t *HTTPTransport) Send(ctx context.Context, p payload.Payload) error {
	kind := string(p.Kind)
	ctx, span := tracing.StartSpan(ctx, "delivery.send",
		append(tracing.PayloadAttributes(kind, p.ID), attribute.String("http.url", p.URL))...)
	defer span.End()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	method := p.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		f := payload.TransportFailure(err)
		tracing.SetSpanError(ctx, f)
		return f
	}
	p.Headers.With(payload.HeaderSentAt, t.now().UTC().Format(payload.SentAtLayout)).Apply(req.Header)
	tracing.InjectHTTP(ctx, req.Header)

	start := time.Now()
	resp, err := t.client.Do(req)
	latency := time.Since(start)
	metrics.ObserveLatency(kind, latency)
	if err != nil {
		f := payload.TransportFailure(err)
		tracing.SetSpanError(ctx, f)
		return f
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	f := payload.StatusFailure(resp.StatusCode)
	tracing.SetSpanError(ctx, f)
	return f
}
