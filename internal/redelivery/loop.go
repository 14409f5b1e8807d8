// Package redelivery drains a payload queue through a send function, one
// request at a time, while the collector is reachable.
package redelivery

import (
	"context"
	"sync"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// State of a Loop.
type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Queue is the consumer side of a payload queue.
type Queue interface {
	Kind() payload.Kind
	PeekHead() (payload.Payload, bool)
	Ack(ctx context.Context, p payload.Payload) error
}

// SendFunc performs one delivery attempt. A nil error means the collector
// accepted the payload.
type SendFunc func(ctx context.Context, p payload.Payload) error

// Loop is the redelivery state machine for one payload kind.
//
// While Running it sends the queue head, acks it on success and moves on.
// A retryable failure leaves the head in place and drops back to Idle; the
// next Start (reconnect or fresh enqueue) retries it. A permanent failure is
// acked and handed to the discard handler. Stop never aborts an attempt in
// flight, and that attempt's outcome is still applied.
type Loop struct {
	queue     Queue
	send      SendFunc
	onError   func(error)
	onDiscard func(payload.Payload, *payload.Failure)

	// held for the whole attempt, including ack, so two runs never overlap
	sendMu sync.Mutex

	mu    sync.Mutex
	state State
	gen   uint64

	wg sync.WaitGroup
}

type Option func(*Loop)

// WithErrorHandler receives every failed attempt.
func WithErrorHandler(fn func(error)) Option {
	return func(l *Loop) {
		if fn != nil {
			l.onError = fn
		}
	}
}

// WithDiscardHandler receives payloads dropped after a permanent failure.
func WithDiscardHandler(fn func(payload.Payload, *payload.Failure)) Option {
	return func(l *Loop) {
		if fn != nil {
			l.onDiscard = fn
		}
	}
}

func New(q Queue, send SendFunc, opts ...Option) *Loop {
	l := &Loop{
		queue:     q,
		send:      send,
		onError:   func(error) {},
		onDiscard: func(payload.Payload, *payload.Failure) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins draining. It is a no-op while already Running.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Running {
		return
	}
	l.state = Running
	l.gen++
	l.wg.Add(1)
	go l.run(l.gen)
}

// Stop prevents further dequeue cycles. An attempt already in flight completes.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Idle {
		return
	}
	l.state = Idle
	l.gen++
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Wait blocks until every run started so far has returned.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) run(gen uint64) {
	defer l.wg.Done()
	kind := string(l.queue.Kind())
	ctx, span := tracing.StartSpan(context.Background(), "redelivery.run", tracing.PayloadAttributes(kind, "")...)
	defer span.End()
	tracing.AddSpanEvent(ctx, "loop.started")

	for {
		l.sendMu.Lock()
		p, ok := l.next(gen)
		if !ok {
			l.sendMu.Unlock()
			tracing.AddSpanEvent(ctx, "loop.idle")
			logging.WithContext(ctx).WithKind(kind).Debug("redelivery loop idle")
			return
		}
		more := l.attempt(ctx, gen, p)
		l.sendMu.Unlock()
		if !more {
			return
		}
	}
}

// next returns the head if this run is still current. An empty queue moves
// the loop to Idle under the same lock Start uses, so a payload enqueued
// before a concurrent Start is never stranded.
func (l *Loop) next(gen uint64) (payload.Payload, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen || l.state != Running {
		return payload.Payload{}, false
	}
	p, ok := l.queue.PeekHead()
	if !ok {
		l.state = Idle
		return payload.Payload{}, false
	}
	return p, true
}

func (l *Loop) attempt(ctx context.Context, gen uint64, p payload.Payload) bool {
	kind := string(p.Kind)
	ctx, span := tracing.StartSpan(ctx, "redelivery.attempt", tracing.PayloadAttributes(kind, p.ID)...)
	defer span.End()

	err := l.send(ctx, p)
	if err == nil {
		_ = l.queue.Ack(ctx, p)
		metrics.RecordRedelivery(kind, "delivered")
		return true
	}

	tracing.SetSpanError(ctx, err)
	failure := payload.AsFailure(err)
	metrics.RecordFailure(kind, failure.Reason())
	l.onError(err)

	if !failure.Retryable() {
		_ = l.queue.Ack(ctx, p)
		metrics.RecordRedelivery(kind, "discarded")
		l.onDiscard(p, failure)
		return true
	}

	metrics.RecordRedelivery(kind, "deferred")
	l.mu.Lock()
	if l.gen == gen {
		l.state = Idle
	}
	l.mu.Unlock()
	return false
}
