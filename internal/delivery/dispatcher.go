// Package delivery sends telemetry payloads to the collector, falling back
// to a durable per-kind queue whenever a send cannot happen right now.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

var ErrUnknownKind = errors.New("unknown payload kind")

// Connectivity is satisfied by *connectivity.Watcher.
type Connectivity interface {
	IsConnected() bool
	Watch(fn func(connected bool))
}

// Config holds the collector settings the dispatcher builds requests from.
type Config struct {
	APIKey           string
	NotifyEndpoint   string
	SessionsEndpoint string
	RedactedKeys     []string
}

func (c Config) endpoint(kind payload.Kind) string {
	if kind == payload.KindSession {
		return c.SessionsEndpoint
	}
	return c.NotifyEndpoint
}

// Dispatcher decides, per payload, between an immediate send and the queue,
// and starts or stops the redelivery loops as connectivity changes.
type Dispatcher struct {
	cfg         Config
	conn        Connectivity
	transport   Transport
	encoder     *payload.Encoder
	deadLetters DeadLetterSink
	logger      *logging.Logger
	now         func() time.Time

	pipelines map[payload.Kind]*Pipeline

	// guards loop starts against Close
	lifeMu sync.Mutex
	closed bool

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(d *Dispatcher) { d.deadLetters = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New builds one pipeline per kind over store and loads whatever a previous
// process left queued. Queue load errors are logged and the queue starts
// empty. Loops start once the queues are loaded, immediately if the
// collector is already reachable.
func New(ctx context.Context, cfg Config, conn Connectivity, transport Transport, store queue.Store, opts ...Option) (*Dispatcher, error) {
	if cfg.NotifyEndpoint == "" || cfg.SessionsEndpoint == "" {
		return nil, fmt.Errorf("delivery: notify and sessions endpoints are required")
	}
	if conn == nil || transport == nil || store == nil {
		return nil, fmt.Errorf("delivery: connectivity, transport and store are required")
	}

	d := &Dispatcher{
		cfg:       cfg,
		conn:      conn,
		transport: transport,
		encoder:   payload.NewEncoder(cfg.RedactedKeys...),
		logger:    logging.Default(),
		now:       time.Now,
		pipelines: make(map[payload.Kind]*Pipeline, len(payload.Kinds)),
	}
	for _, opt := range opts {
		opt(d)
	}

	conn.Watch(d.onConnectivity)
	for _, kind := range payload.Kinds {
		pl := d.newPipeline(kind, store)
		_ = pl.Queue.Init(ctx)
		d.pipelines[kind] = pl
		conn.Watch(d.follow(pl))
	}

	connected := conn.IsConnected()
	metrics.SetConnected(connected)
	if connected {
		for _, kind := range payload.Kinds {
			d.startLoop(d.pipelines[kind])
		}
	}
	return d, nil
}

// Pipeline returns the queue and loop for kind.
func (d *Dispatcher) Pipeline(kind payload.Kind) (*Pipeline, bool) {
	pl, ok := d.pipelines[kind]
	return pl, ok
}

// QueueDepths reports the number of queued payloads per kind.
func (d *Dispatcher) QueueDepths() map[string]int {
	out := make(map[string]int, len(d.pipelines))
	for kind, pl := range d.pipelines {
		out[string(kind)] = pl.Queue.Len()
	}
	return out
}

func (d *Dispatcher) onConnectivity(connected bool) {
	metrics.SetConnected(connected)
	d.logger.Plain().WithField("connected", connected).Info("Connectivity changed")
}

// Deliver sends p now when the collector is reachable and immediate is
// true; otherwise it queues p and returns nil. A failed immediate send is
// returned to the caller. Retryable failures are also queued; permanent
// ones are dead-lettered.
func (d *Dispatcher) Deliver(ctx context.Context, p payload.Payload, immediate bool) error {
	pl, ok := d.pipelines[p.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	kind := string(p.Kind)

	ctx, span := tracing.StartSpan(ctx, "delivery.dispatch",
		append(tracing.PayloadAttributes(kind, p.ID), attribute.Bool("payload.immediate", immediate))...)
	defer span.End()

	if !immediate || !d.conn.IsConnected() {
		d.enqueue(ctx, pl, p)
		metrics.RecordDispatch(kind, "queued")
		return nil
	}

	err := d.transport.Send(ctx, p)
	if err == nil {
		metrics.RecordDispatch(kind, "delivered")
		return nil
	}

	tracing.SetSpanError(ctx, err)
	f := payload.AsFailure(err)
	metrics.RecordFailure(kind, f.Reason())
	d.logger.WithContext(ctx).WithKind(kind).WithPayload(p.ID).WithFailure(f).
		Errorf("%s failed to send", kind)

	if f.Retryable() {
		d.enqueue(ctx, pl, p)
		metrics.RecordDispatch(kind, "retry_queued")
	} else {
		d.deadLetter(ctx, p, f)
		metrics.RecordDispatch(kind, "dropped")
	}
	return err
}

// Dispatch runs Deliver in the background and passes its result to cb
// exactly once. cb may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, p payload.Payload, immediate bool, cb func(error)) {
	d.async(ctx, func(ctx context.Context) error { return d.Deliver(ctx, p, immediate) }, cb)
}

// DeliverReport encodes r and delivers it. Reports with
// AttemptImmediateDelivery=false go straight to the queue.
func (d *Dispatcher) DeliverReport(ctx context.Context, r *payload.Report) error {
	apiKey := d.cfg.APIKey
	if r != nil && r.APIKey != "" {
		apiKey = r.APIKey
	}
	body, err := d.encoder.Report(r, apiKey)
	if err != nil {
		return d.unencodable(ctx, payload.KindReport, err)
	}
	p := payload.New(payload.KindReport, d.cfg.endpoint(payload.KindReport),
		payload.CollectorHeaders(payload.KindReport, apiKey, d.now()), body)

	immediate := r.Immediate()
	if immediate && d.conn.IsConnected() {
		d.logger.WithContext(ctx).WithKind(string(p.Kind)).WithPayload(p.ID).
			Infof("Sending report %s", r.Summary())
	}
	return d.Deliver(ctx, p, immediate)
}

// DeliverSession encodes s and delivers it. Sessions are never deferred.
func (d *Dispatcher) DeliverSession(ctx context.Context, s *payload.Session) error {
	body, err := d.encoder.Session(s)
	if err != nil {
		return d.unencodable(ctx, payload.KindSession, err)
	}
	p := payload.New(payload.KindSession, d.cfg.endpoint(payload.KindSession),
		payload.CollectorHeaders(payload.KindSession, d.cfg.APIKey, d.now()), body)

	if d.conn.IsConnected() {
		d.logger.WithContext(ctx).WithKind(string(p.Kind)).WithPayload(p.ID).Info("Sending session")
	}
	return d.Deliver(ctx, p, true)
}

// SendReport is the callback form of DeliverReport.
func (d *Dispatcher) SendReport(ctx context.Context, r *payload.Report, cb func(error)) {
	d.async(ctx, func(ctx context.Context) error { return d.DeliverReport(ctx, r) }, cb)
}

// SendSession is the callback form of DeliverSession.
func (d *Dispatcher) SendSession(ctx context.Context, s *payload.Session, cb func(error)) {
	d.async(ctx, func(ctx context.Context) error { return d.DeliverSession(ctx, s) }, cb)
}

// Close stops the redelivery loops and waits for background sends and
// in-flight attempts to finish. Payloads queued after Close stay in the
// store for the next process.
func (d *Dispatcher) Close() {
	d.lifeMu.Lock()
	d.closed = true
	for _, kind := range payload.Kinds {
		d.pipelines[kind].Loop.Stop()
	}
	d.lifeMu.Unlock()

	d.wg.Wait()
	for _, kind := range payload.Kinds {
		d.pipelines[kind].Loop.Wait()
	}
}

func (d *Dispatcher) async(ctx context.Context, fn func(context.Context) error, cb func(error)) {
	// the caller's deadline must not cut a background send short
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := fn(ctx)
		if cb != nil {
			cb(err)
		}
	}()
}

func (d *Dispatcher) enqueue(ctx context.Context, pl *Pipeline, p payload.Payload) {
	d.logger.WithContext(ctx).WithKind(string(p.Kind)).WithPayload(p.ID).
		Infof("Writing %s payload to cache", p.Kind)
	// storage errors are already reported through the queue's error handler
	err := pl.Queue.Enqueue(ctx, p)
	tracing.AddSpanEvent(ctx, "queue.enqueued",
		attribute.Int("queue.depth", pl.Queue.Len()),
		attribute.Bool("queue.persisted", err == nil))
	if d.conn.IsConnected() {
		d.startLoop(pl)
	}
}

// startLoop starts pl's loop unless the dispatcher is closed.
func (d *Dispatcher) startLoop(pl *Pipeline) {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if !d.closed {
		pl.Loop.Start()
	}
}

func (d *Dispatcher) unencodable(ctx context.Context, kind payload.Kind, err error) error {
	f := payload.AsFailure(err)
	metrics.RecordFailure(string(kind), f.Reason())
	metrics.RecordDispatch(string(kind), "unencodable")
	d.logger.WithContext(ctx).WithKind(string(kind)).WithFailure(f).Errorf("%s failed to send", kind)
	d.deadLetter(ctx, payload.Payload{Kind: kind, URL: d.cfg.endpoint(kind), CreatedAt: d.now().UTC()}, f)
	return err
}

func (d *Dispatcher) deadLetter(ctx context.Context, p payload.Payload, f *payload.Failure) {
	kind := string(p.Kind)
	metrics.RecordDeadLetter(kind)
	if d.deadLetters == nil {
		d.logger.WithContext(ctx).WithKind(kind).WithPayload(p.ID).
			WithField("reason", f.Reason()).Warn("Dropping undeliverable payload")
		return
	}
	if err := d.deadLetters.DeadLetter(ctx, NewDeadLetter(ctx, p, f)); err != nil {
		d.logger.WithContext(ctx).WithKind(kind).WithPayload(p.ID).WithError(err).Error("Dead letter publish failed")
		return
	}
	d.logger.WithContext(ctx).WithKind(kind).WithPayload(p.ID).
		WithField("reason", f.Reason()).Info("Dead letter published")
}
