package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/payload"
)

// ErrStorage matches every *StorageError.
var ErrStorage = errors.New("queue storage error")

// StorageError reports a persistence failure for one queue operation.
type StorageError struct {
	Op   string // init, enqueue, ack
	Kind payload.Kind
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s queue %s: %v", e.Kind, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Store persists payloads for one or more kinds. Implementations serialize
// their own writes; Load returns payloads in insertion order.
type Store interface {
	Load(ctx context.Context, kind payload.Kind) ([]payload.Payload, error)
	Append(ctx context.Context, p payload.Payload) error
	Remove(ctx context.Context, p payload.Payload) error
}

// Queue is the durable FIFO of payloads of one kind that could not be
// delivered right away. Enqueue appends at the tail and Ack removes the
// head, so the dispatcher and the redelivery loop never contend for the
// same end. Storage failures go to the error callback and degrade the queue
// to in-memory behavior rather than failing the caller.
type Queue struct {
	kind    payload.Kind
	store   Store
	onError func(error)

	appendMu sync.Mutex

	mu    sync.Mutex
	items []payload.Payload
	ready bool
}

// New returns an empty queue. Call Init before handing it to a loop.
func New(kind payload.Kind, store Store, onError func(error)) *Queue {
	if onError == nil {
		onError = func(error) {}
	}
	return &Queue{kind: kind, store: store, onError: onError}
}

func (q *Queue) Kind() payload.Kind { return q.kind }

// Init loads payloads left behind by a previous process, oldest first. On a
// storage error the queue starts empty and the error is reported and returned.
func (q *Queue) Init(ctx context.Context) error {
	loaded, err := q.store.Load(ctx, q.kind)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = true

	if err != nil {
		serr := &StorageError{Op: "init", Kind: q.kind, Err: err}
		metrics.RecordStorageError(string(q.kind), "init")
		q.onError(serr)
		metrics.SetQueueDepth(string(q.kind), len(q.items))
		return serr
	}

	// anything enqueued before Init was also persisted, so Load may return it
	seen := make(map[string]bool, len(loaded))
	merged := make([]payload.Payload, 0, len(loaded)+len(q.items))
	for _, p := range loaded {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		merged = append(merged, p)
	}
	for _, p := range q.items {
		if !seen[p.ID] {
			merged = append(merged, p)
		}
	}
	q.items = merged
	metrics.SetQueueDepth(string(q.kind), len(q.items))
	return nil
}

// Ready reports whether Init has completed.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// Enqueue durably appends p. If persisting fails the payload is still kept
// in memory so this process keeps retrying it. The write is not cut short
// by ctx cancellation.
func (q *Queue) Enqueue(ctx context.Context, p payload.Payload) error {
	q.appendMu.Lock()
	defer q.appendMu.Unlock()

	err := q.store.Append(context.WithoutCancel(ctx), p)

	q.mu.Lock()
	q.items = append(q.items, p)
	depth := len(q.items)
	q.mu.Unlock()
	metrics.SetQueueDepth(string(q.kind), depth)

	if err != nil {
		serr := &StorageError{Op: "enqueue", Kind: q.kind, Err: err}
		metrics.RecordStorageError(string(q.kind), "enqueue")
		q.onError(serr)
		return serr
	}
	return nil
}

// PeekHead returns the oldest payload without removing it.
func (q *Queue) PeekHead() (payload.Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return payload.Payload{}, false
	}
	return q.items[0], true
}

// Ack removes p after it was delivered or discarded. Only the redelivery
// loop calls this. A failed durable delete still drops the in-memory entry;
// the payload may then be delivered again after a restart. Like Enqueue,
// the delete outlives ctx cancellation.
func (q *Queue) Ack(ctx context.Context, p payload.Payload) error {
	q.mu.Lock()
	idx := -1
	for i := range q.items {
		if q.items[i].ID == p.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return nil
	}
	q.items = append(q.items[:idx:idx], q.items[idx+1:]...)
	depth := len(q.items)
	q.mu.Unlock()
	metrics.SetQueueDepth(string(q.kind), depth)

	if err := q.store.Remove(context.WithoutCancel(ctx), p); err != nil {
		serr := &StorageError{Op: "ack", Kind: q.kind, Err: err}
		metrics.RecordStorageError(string(q.kind), "ack")
		q.onError(serr)
		return serr
	}
	return nil
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued payloads, oldest first.
func (q *Queue) Snapshot() []payload.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]payload.Payload, len(q.items))
	copy(out, q.items)
	return out
}
