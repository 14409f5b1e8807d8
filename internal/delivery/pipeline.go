package delivery

import (
	"context"

	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/redelivery"
)

// Pipeline is the queue and redelivery loop owned by one payload kind.
type Pipeline struct {
	Kind  payload.Kind
	Queue *queue.Queue
	Loop  *redelivery.Loop
}

func (d *Dispatcher) newPipeline(kind payload.Kind, store queue.Store) *Pipeline {
	k := string(kind)
	q := queue.New(kind, store, func(err error) {
		d.logger.Plain().WithKind(k).WithError(err).Error("Undelivered payload queue error")
	})
	loop := redelivery.New(q, d.transport.Send,
		redelivery.WithErrorHandler(func(err error) {
			d.logger.Plain().WithKind(k).WithError(err).Error("Error redelivering payload")
		}),
		redelivery.WithDiscardHandler(func(p payload.Payload, f *payload.Failure) {
			d.deadLetter(context.Background(), p, f)
		}),
	)
	return &Pipeline{Kind: kind, Queue: q, Loop: loop}
}

// follow is a pipeline's connectivity subscription: drain while the
// collector is reachable, stop starting new attempts when it is not.
func (d *Dispatcher) follow(pl *Pipeline) func(bool) {
	return func(connected bool) {
		if connected {
			d.startLoop(pl)
			return
		}
		pl.Loop.Stop()
	}
}
