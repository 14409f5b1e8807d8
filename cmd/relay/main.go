package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/connectivity"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(cfg.AppName)
	logger := logging.Default()

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("relay failed")
	}
	logger.Plain().Info("relay stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, cfg.Tracing.Enabled, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	store, pinger, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sink, closeSink, err := openDeadLetterSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	prober := connectivity.NewHTTPProber(cfg.Collector.ProbeURL, cfg.Collector.ProbeTimeout)
	watcher := connectivity.NewWatcher(ctx, prober, connectivity.WithPollInterval(cfg.Collector.ProbeInterval))

	d, err := delivery.New(ctx, delivery.Config{
		APIKey:           cfg.Collector.APIKey,
		NotifyEndpoint:   cfg.Collector.NotifyEndpoint,
		SessionsEndpoint: cfg.Collector.SessionsEndpoint,
		RedactedKeys:     cfg.Collector.RedactedKeys,
	}, watcher, delivery.NewHTTPTransport(&http.Client{}, cfg.Collector.Timeout), store,
		delivery.WithDeadLetterSink(sink), delivery.WithLogger(logger))
	if err != nil {
		return err
	}

	handler, err := buildHandler(cfg, d, watcher, pinger, reg)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Plain().WithFields(map[string]any{
			"addr":      srv.Addr,
			"backend":   cfg.Queue.Backend,
			"connected": watcher.IsConnected(),
			"queues":    d.QueueDepths(),
		}).Info("relay HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Plain().Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		d.Close()
		return err
	})
	return g.Wait()
}

// openStore returns the configured queue store and, for postgres, a pinger
// for the health check.
func openStore(ctx context.Context, cfg config.Config) (queue.Store, health.Pinger, func(), error) {
	noop := func() {}
	switch cfg.Queue.Backend {
	case config.BackendFile:
		s, err := queue.NewFileStore(cfg.Queue.Dir)
		if err != nil {
			return nil, nil, noop, err
		}
		return s, nil, noop, nil
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DSN(),
			db.WithMaxConns(int32(cfg.DB.MaxConns)),
			db.WithPingTimeout(cfg.DB.PingTimeout))
		if err != nil {
			return nil, nil, noop, fmt.Errorf("db connect: %w", err)
		}
		if err := db.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, noop, err
		}
		return queue.NewPostgresStore(pool), pool, pool.Close, nil
	case config.BackendMemory:
		logging.Plain().Warn("memory queue backend: undelivered payloads are lost on restart")
		return queue.NewMemoryStore(), nil, noop, nil
	}
	return nil, nil, noop, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

func openDeadLetterSink(cfg config.Config) (delivery.DeadLetterSink, func(), error) {
	if !cfg.NSQ.PublishDLQ {
		return nil, func() {}, nil
	}
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, func() {}, fmt.Errorf("nsq producer for dead letters: %w", err)
	}
	return delivery.NewNSQDeadLetterSink(producer, cfg.NSQ.DLQTopic), producer.Stop, nil
}

func buildHandler(cfg config.Config, d *delivery.Dispatcher, watcher health.Connectivity, pinger health.Pinger, reg *prometheus.Registry) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.HTTPHandler(health.Checks{
		DB:           pinger,
		Connectivity: watcher,
		QueueDepths:  d.QueueDepths,
	}))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ingest.NewServer(d).Register(mux)

	if !cfg.Auth.Enabled {
		return mux, nil
	}
	v, err := auth.NewJWTValidatorFromFile(cfg.Auth.PublicKeyFile, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return v.HTTPMiddleware(mux), nil
}
