package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/harbor_relay/internal/payload"
)

var testNow = time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.UTC)

func TestHTTPTransportSuccess(t *testing.T) {
	var got *http.Request
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ignored"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client(), time.Second)
	sendAt := testNow.Add(time.Hour)
	tr.now = func() time.Time { return sendAt }

	p := payload.New(payload.KindReport, srv.URL+"/", payload.CollectorHeaders(payload.KindReport, "key-9", testNow), []byte(`{"events":[]}`))
	if err := tr.Send(context.Background(), p); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.Method)
	}
	if body != `{"events":[]}` {
		t.Errorf("body = %s", body)
	}
	wantHeaders := map[string]string{
		"Content-Type":           "application/json",
		"Harbor-Api-Key":         "key-9",
		"Harbor-Payload-Version": "4",
		"Harbor-Sent-At":         "2024-03-01T13:30:45.123Z",
	}
	for name, want := range wantHeaders {
		if v := got.Header.Get(name); v != want {
			t.Errorf("header %s = %q, want %q", name, v, want)
		}
	}
	// queued copy keeps its original timestamp
	if v := p.Headers.Get(payload.HeaderSentAt); v != "2024-03-01T12:30:45.123Z" {
		t.Errorf("payload Sent-At mutated to %q", v)
	}
}

func TestHTTPTransportStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		retryable bool
	}{
		{name: "200", status: 200},
		{name: "204", status: 204},
		{name: "400", status: 400, wantErr: true},
		{name: "404", status: 404, wantErr: true},
		{name: "408", status: 408, wantErr: true, retryable: true},
		{name: "429", status: 429, wantErr: true, retryable: true},
		{name: "500", status: 500, wantErr: true, retryable: true},
		{name: "503", status: 503, wantErr: true, retryable: true},
		{name: "302 without location", status: 302, wantErr: true, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := newPayload(payload.KindSession, "{}")
			p.URL = srv.URL
			err := NewHTTPTransport(nil, 0).Send(context.Background(), p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var f *payload.Failure
			if !errors.As(err, &f) {
				t.Fatalf("Send() error %T is not *payload.Failure", err)
			}
			if f.Kind != payload.FailureHTTPStatus || f.StatusCode != tt.status {
				t.Errorf("failure = %v/%d, want http_status/%d", f.Kind, f.StatusCode, tt.status)
			}
			if f.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", f.Retryable(), tt.retryable)
			}
		})
	}
}

func TestHTTPTransportNetworkErrors(t *testing.T) {
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	tests := []struct {
		name    string
		url     string
		timeout time.Duration
		reason  string
	}{
		{name: "connection refused", url: closedURL, reason: "connection_refused"},
		{name: "timeout", url: slow.URL, timeout: 50 * time.Millisecond, reason: "timeout"},
		{name: "malformed url", url: "http://[::1", reason: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPayload(payload.KindReport, "{}")
			p.URL = tt.url
			err := NewHTTPTransport(nil, tt.timeout).Send(context.Background(), p)
			f := payload.AsFailure(err)
			if f == nil || f.Kind != payload.FailureTransport {
				t.Fatalf("Send() error = %v, want transport failure", err)
			}
			if !f.Retryable() {
				t.Error("transport failure must be retryable")
			}
			if tt.reason != "" && f.Reason() != tt.reason {
				t.Errorf("Reason() = %q, want %q", f.Reason(), tt.reason)
			}
		})
	}
}
