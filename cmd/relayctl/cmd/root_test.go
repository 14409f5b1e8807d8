package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{addr: "http://localhost:8080", want: "http://localhost:8080"},
		{addr: "http://localhost:8080/", want: "http://localhost:8080"},
		{addr: "relay:8080", want: "http://relay:8080"},
		{addr: "https://relay.example.com", want: "https://relay.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := baseURL(tt.addr); got != tt.want {
				t.Errorf("baseURL(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantNil bool
		wantErr bool
	}{
		{name: "empty", in: "", wantNil: true},
		{name: "object", in: `{"a":{"b":1}}`},
		{name: "trailing comma", in: `{"a":1,}`, wantErr: true},
		{name: "array", in: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJSONObject(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseJSONObject() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("parseJSONObject() = %v, wantNil %v", got, tt.wantNil)
			}
		})
	}
}

func TestBuildReport(t *testing.T) {
	tests := []struct {
		name          string
		opts          reportOptions
		wantErr       bool
		wantImmediate bool
	}{
		{name: "missing class", opts: reportOptions{message: "m"}, wantErr: true},
		{name: "bad metadata", opts: reportOptions{class: "E", metadata: "{"}, wantErr: true},
		{name: "immediate", opts: reportOptions{class: "E", message: "m"}, wantImmediate: true},
		{name: "deferred", opts: reportOptions{class: "E", deferred: true}, wantImmediate: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := buildReport(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildReport() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := r.Immediate(); got != tt.wantImmediate {
				t.Errorf("buildReport().Immediate() = %v, want %v", got, tt.wantImmediate)
			}
			if len(r.Events) != 1 || r.Events[0].ErrorClass != tt.opts.class {
				t.Errorf("buildReport().Events = %+v", r.Events)
			}
		})
	}
}

func TestBuildSession(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	s := buildSession(sessionOptions{id: "s-1", userID: "u", appVersion: "1.2"}, now)
	if s.ID != "s-1" || s.User["id"] != "u" || s.App["version"] != "1.2" {
		t.Errorf("buildSession() = %+v", s)
	}
	if !s.StartedAt.Equal(now) || s.StartedAt.Location() != time.UTC {
		t.Errorf("buildSession().StartedAt = %v, want %v in UTC", s.StartedAt, now)
	}

	s = buildSession(sessionOptions{}, now)
	if s.ID == "" {
		t.Error("buildSession() without id should generate one")
	}
	if s.User != nil || s.App != nil {
		t.Errorf("buildSession() without user/app = %+v", s)
	}
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{key: "server", value: "http://relay:8080"},
		{key: "timeout", value: "10s"},
		{key: "timeout", value: "soon", wantErr: true},
		{key: "timeout", value: "-1s", wantErr: true},
		{key: "json", value: "yes"},
		{key: "json", value: "maybe", wantErr: true},
		{key: "queue_dir", value: "/tmp/q"},
		{key: "color", value: "red", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := setConfigValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("setConfigValue(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
			}
		})
	}
	if got := viper.GetDuration("timeout"); got != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", got)
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
		wantOK  bool
	}{
		{name: "accepted", status: http.StatusAccepted, body: `{"ok":true}`, wantOK: true},
		{name: "bad gateway", status: http.StatusBadGateway, body: `{"ok":false,"error":"x"}`, wantErr: true},
		{name: "garbage on success", status: http.StatusOK, body: `nope`, wantErr: true},
		{name: "garbage on failure", status: http.StatusInternalServerError, body: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				Status:     http.StatusText(tt.status),
				StatusCode: tt.status,
				Body:       io.NopCloser(strings.NewReader(tt.body)),
			}
			var out struct {
				OK bool `json:"ok"`
			}
			err := decodeResponse(resp, &out)
			if (err != nil) != tt.wantErr {
				t.Errorf("decodeResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if out.OK != tt.wantOK {
				t.Errorf("decodeResponse() ok = %v, want %v", out.OK, tt.wantOK)
			}
		})
	}
}

func TestPrintOutput(t *testing.T) {
	defer func(old bool) { outputJSON = old }(outputJSON)

	var buf bytes.Buffer
	outputJSON = true
	printOutput(&buf, map[string]int{"a": 1})
	var got map[string]int
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil || got["a"] != 1 {
		t.Errorf("printOutput(json) = %q, err %v", buf.String(), err)
	}

	buf.Reset()
	outputJSON = false
	printOutput(&buf, struct{ A int }{A: 2})
	if got := buf.String(); got != "{A:2}\n" {
		t.Errorf("printOutput(text) = %q, want %q", got, "{A:2}\n")
	}
}

func TestSelectKinds(t *testing.T) {
	all, err := selectKinds("")
	if err != nil || len(all) != len(payload.Kinds) {
		t.Errorf("selectKinds(\"\") = %v, %v", all, err)
	}
	one, err := selectKinds("session")
	if err != nil || len(one) != 1 || one[0] != payload.KindSession {
		t.Errorf("selectKinds(session) = %v, %v", one, err)
	}
	if _, err := selectKinds("metric"); err == nil {
		t.Error("selectKinds(metric) expected error")
	}
}

func TestListQueue(t *testing.T) {
	dir := t.TempDir()
	store, err := queue.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()
	first := payload.New(payload.KindReport, "http://c/notify", nil, []byte(`{"a":1}`))
	second := payload.New(payload.KindReport, "http://c/notify", nil, []byte(`{}`))
	sess := payload.New(payload.KindSession, "http://c/sessions", nil, []byte(`{}`))
	for _, p := range []payload.Payload{first, second, sess} {
		if err := store.Append(ctx, p); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	items, err := listQueue(ctx, dir, payload.Kinds)
	if err != nil {
		t.Fatalf("listQueue() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("listQueue() returned %d items, want 3", len(items))
	}
	if items[0].ID != first.ID || items[1].ID != second.ID || items[2].Kind != payload.KindSession {
		t.Errorf("listQueue() order = %+v", items)
	}
	if items[0].Bytes != len(first.Body) {
		t.Errorf("listQueue() bytes = %d, want %d", items[0].Bytes, len(first.Body))
	}

	var buf bytes.Buffer
	writeQueueTable(&buf, items)
	if !strings.Contains(buf.String(), first.ID) || !strings.HasPrefix(buf.String(), "KIND") {
		t.Errorf("writeQueueTable() = %q", buf.String())
	}
	buf.Reset()
	writeQueueTable(&buf, nil)
	if !strings.Contains(buf.String(), "No undelivered payloads") {
		t.Errorf("writeQueueTable(nil) = %q", buf.String())
	}
}

func TestReportSendCommand(t *testing.T) {
	var gotAuth string
	var got payload.Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/reports" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"--config", filepath.Join(t.TempDir(), "relayctl.yaml"),
		"--server", srv.URL,
		"--token", "tok",
		"report", "send", "--class", "RuntimeError", "--message", "boom", "--defer",
	})
	defer rootCmd.SetArgs(nil)

	if err := Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok")
	}
	if len(got.Events) != 1 || got.Events[0].ErrorClass != "RuntimeError" || got.Immediate() {
		t.Errorf("server received %+v", got)
	}
	if !strings.Contains(out.String(), "queued") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPingCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"message":"pong"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"--config", filepath.Join(t.TempDir(), "relayctl.yaml"),
		"--server", srv.URL,
		"ping",
	})
	defer rootCmd.SetArgs(nil)

	if err := Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "relay at "+srv.URL+" answered") {
		t.Errorf("output = %q", out.String())
	}
}
