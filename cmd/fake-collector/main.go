package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/payload"
)

// collector accepts report and session POSTs the way the real endpoint does,
// optionally failing the first N requests.
type collector struct {
	cfg    config.FakeCollector
	logger *logging.Logger

	mu       sync.Mutex
	reqCount int
	received map[payload.Kind]int
}

func newCollector(cfg config.FakeCollector, logger *logging.Logger) *collector {
	return &collector{
		cfg:      cfg,
		logger:   logger,
		received: make(map[payload.Kind]int),
	}
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fake-collector")
	logger := logging.Default()

	c := newCollector(cfg.FakeCollector, logger)
	srv := &http.Server{
		Addr:         cfg.FakeCollector.Port,
		Handler:      c.routes(),
		ReadTimeout:  cfg.FakeCollector.ReadTimeout,
		WriteTimeout: cfg.FakeCollector.WriteTimeout,
		IdleTimeout:  cfg.FakeCollector.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeCollector.FailFirstN,
		"fail_status":  cfg.FakeCollector.FailureStatus,
	}).Info("fake-collector listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-collector failed")
	}
}

func (c *collector) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("HEAD /notify", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("HEAD /sessions", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /notify", c.handle(payload.KindReport))
	mux.HandleFunc("POST /sessions", c.handle(payload.KindSession))
	mux.HandleFunc("GET /received", c.handleReceived)
	return mux
}

func (c *collector) handle(kind payload.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		defer r.Body.Close()

		c.mu.Lock()
		c.reqCount++
		n := c.reqCount
		c.mu.Unlock()

		if c.cfg.ResponseDelayMS > 0 {
			time.Sleep(time.Duration(c.cfg.ResponseDelayMS) * time.Millisecond)
		}

		if status, msg := c.validate(kind, r.Header, b); status != 0 {
			c.logger.Plain().WithKind(string(kind)).WithField("status", status).Warnf("rejected request: %s", msg)
			http.Error(w, msg, status)
			return
		}

		// Simulate flakiness: first N requests fail
		if n <= c.cfg.FailFirstN {
			c.logger.Plain().WithKind(string(kind)).WithFields(map[string]any{
				"count":  n,
				"status": c.cfg.FailureStatus,
			}).Infof("FAILING (%d/%d) body=%s", n, c.cfg.FailFirstN, truncate(string(b), 160))
			http.Error(w, "temporary failure", c.cfg.FailureStatus)
			return
		}

		c.mu.Lock()
		c.received[kind]++
		c.mu.Unlock()

		c.logger.Plain().WithKind(string(kind)).Infof("fake-collector OK %s body=%q", r.URL.Path, truncate(string(b), 160))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}
}

// validate checks the vendor headers and returns a non-zero status when the
// request should be rejected.
func (c *collector) validate(kind payload.Kind, h http.Header, body []byte) (int, string) {
	if ct := h.Get(payload.HeaderContentType); ct != "application/json" {
		return http.StatusUnsupportedMediaType, fmt.Sprintf("unexpected content type %q", ct)
	}
	key := h.Get(payload.HeaderAPIKey)
	if key == "" {
		return http.StatusUnauthorized, "missing api key"
	}
	if c.cfg.ExpectedAPIKey != "" && key != c.cfg.ExpectedAPIKey {
		return http.StatusUnauthorized, "invalid api key"
	}
	if v := h.Get(payload.HeaderPayloadVersion); v != kind.PayloadVersion() {
		return http.StatusBadRequest, fmt.Sprintf("unsupported payload version %q", v)
	}
	if _, err := time.Parse(payload.SentAtLayout, h.Get(payload.HeaderSentAt)); err != nil {
		return http.StatusBadRequest, "invalid sent-at header"
	}
	if !json.Valid(body) {
		return http.StatusBadRequest, "body is not JSON"
	}
	return 0, ""
}

func (c *collector) handleReceived(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	out := map[string]int{"requests": c.reqCount}
	for k, n := range c.received {
		out[string(k)] = n
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
