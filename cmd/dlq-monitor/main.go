package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	// Dead letters nobody has looked at yet
	dlqBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harborrelay_dlq_backlog",
		Help: "Dead letters waiting in the monitor channel",
	})

	dlqChannelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harborrelay_dlq_channel_depth",
		Help: "Depth of NSQ channels on the dead-letter topic",
	}, []string{"topic", "channel"})

	dlqReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harborrelay_dlq_received_total",
		Help: "Dead letters consumed by kind and failure reason",
	}, []string{"kind", "reason"})

	dlqMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harborrelay_dlq_malformed_total",
		Help: "Messages on the dead-letter topic that could not be decoded",
	})
)

func registerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(dlqBacklog, dlqChannelDepth, dlqReceived, dlqMalformed)
}

// monitor consumes dead letters published by the relay and keeps
// counters on what failed and why.
type monitor struct {
	logger  *logging.Logger
	client  *http.Client
	topic   string
	channel string
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("dlq-monitor")
	logger := logging.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, "dlq-monitor", cfg.Tracing.Enabled, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Plain().WithError(err).Fatal("init tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	registerMetrics(reg)

	m := &monitor{
		logger:  logger,
		client:  &http.Client{Timeout: 5 * time.Second},
		topic:   cfg.NSQ.DLQTopic,
		channel: cfg.NSQ.DLQChannel,
	}

	consumer, err := nsq.NewConsumer(m.topic, m.channel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer")
	}
	consumer.AddHandler(nsq.HandlerFunc(m.handleMessage))
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect nsqd")
	}

	go m.collectMetrics(ctx, cfg.NSQ.NsqdHTTPAddr, cfg.DLQMonitor.PollInterval)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.DLQMonitor.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":    srv.Addr,
		"topic":   m.topic,
		"channel": m.channel,
	}).Info("dlq-monitor starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Error("http server failed")
	}

	consumer.Stop()
	<-consumer.StopChan
	logger.Plain().Info("dlq-monitor stopped")
}

func (m *monitor) handleMessage(msg *nsq.Message) error {
	return m.handle(context.Background(), msg.Body)
}

// handle records one dead letter. Undecodable messages are counted and
// dropped, never requeued.
func (m *monitor) handle(ctx context.Context, body []byte) error {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(body, &dl); err != nil || dl.Type != delivery.DLQType {
		dlqMalformed.Inc()
		m.logger.WithContext(ctx).WithError(err).WithField("bytes", len(body)).Warn("Dropping malformed dead letter")
		return nil
	}

	ctx = tracing.ExtractTrace(ctx, dl.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "dlq.receive",
		append(tracing.PayloadAttributes(string(dl.Payload.Kind), dl.Payload.ID), tracing.AttrFailureReason.String(dl.Reason))...)
	defer span.End()

	reason := dl.Reason
	if reason == "" {
		reason = "unknown"
	}
	dlqReceived.WithLabelValues(string(dl.Payload.Kind), reason).Inc()

	m.logger.WithContext(ctx).WithKind(string(dl.Payload.Kind)).WithPayload(dl.Payload.ID).WithFields(map[string]any{
		"reason":      reason,
		"http_status": dl.HTTPStatus,
		"last_error":  dl.LastError,
		"url":         dl.Payload.URL,
		"at":          dl.At,
	}).Warn("Payload dead-lettered")
	return nil
}

func (m *monitor) collectMetrics(ctx context.Context, nsqdHTTPAddr string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateMetrics(ctx, nsqdHTTPAddr); err != nil {
				m.logger.Plain().WithError(err).Error("Error updating metrics")
			}
		}
	}
}

func (m *monitor) updateMetrics(ctx context.Context, nsqdHTTPAddr string) error {
	url := fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, m.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %s", resp.Status)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, channel := range topic.Channels {
			if channel.ChannelName == m.channel {
				dlqBacklog.Set(float64(channel.Depth + channel.InFlightCount))
			}
			dlqChannelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
		}
	}
	return nil
}
