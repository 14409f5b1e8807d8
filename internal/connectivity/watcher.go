package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultPollInterval is how often Run re-probes connectivity.
const DefaultPollInterval = 10 * time.Second

// Prober reports whether the network path to the collector is usable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Watcher is the connectivity state object.
type Watcher struct {
	prober   Prober
	clock    clock.Clock
	interval time.Duration

	mu        sync.RWMutex
	connected bool
	subs      []func(bool)

	// serializes transitions so subscribers see them in order
	notifyMu sync.Mutex
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithClock swaps the clock driving Run, for tests.
func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithPollInterval sets how often Run probes.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher probes once to seed the initial state.
func NewWatcher(ctx context.Context, prober Prober, opts ...Option) *Watcher {
	w := &Watcher{
		prober:   prober,
		clock:    clock.New(),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.connected = prober.Probe(ctx)
	return w
}

// IsConnected returns the current state.
func (w *Watcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// Watch registers fn to be called with the new state on every transition.
// fn must not call Update.
func (w *Watcher) Watch(fn func(connected bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Update records a new observation and notifies subscribers if the state
// changed. It returns whether a transition happened.
func (w *Watcher) Update(connected bool) bool {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()

	w.mu.Lock()
	if w.connected == connected {
		w.mu.Unlock()
		return false
	}
	w.connected = connected
	subs := make([]func(bool), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(connected)
	}
	return true
}

// Run probes every poll interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	t := w.clock.Ticker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Update(w.prober.Probe(ctx))
		}
	}
}
