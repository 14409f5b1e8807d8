package delivery

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/austindbirch/harbor_relay/internal/connectivity"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/queue"
)

// scriptedTransport answers attempts from results in order, then succeeds.
type scriptedTransport struct {
	mu       sync.Mutex
	results  []error
	sent     []payload.Payload
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (s *scriptedTransport) Send(_ context.Context, p payload.Payload) error {
	if s.inFlight.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return err
}

func (s *scriptedTransport) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, p := range s.sent {
		out[i] = p.ID
	}
	return out
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingSink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (r *recordingSink) DeadLetter(_ context.Context, dl DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters = append(r.letters, dl)
	return nil
}

func (r *recordingSink) all() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeadLetter(nil), r.letters...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	d         *Dispatcher
	watcher   *connectivity.Watcher
	transport *scriptedTransport
	store     *queue.MemoryStore
	sink      *recordingSink
	logs      *syncBuffer
}

func testConfig() Config {
	return Config{
		APIKey:           "client-key",
		NotifyEndpoint:   "https://notify.collector.test/",
		SessionsEndpoint: "https://sessions.collector.test/",
		RedactedKeys:     []string{"password"},
	}
}

func newHarness(t *testing.T, connected bool, results ...error) *harness {
	t.Helper()
	h := &harness{
		watcher:   connectivity.NewWatcher(context.Background(), connectivity.Static(connected)),
		transport: &scriptedTransport{results: results},
		store:     queue.NewMemoryStore(),
		sink:      &recordingSink{},
		logs:      &syncBuffer{},
	}
	logger := logging.New("relay-test")
	logger.SetOutput(h.logs)

	d, err := New(context.Background(), testConfig(), h.watcher, h.transport, h.store,
		WithDeadLetterSink(h.sink), WithLogger(logger))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.d = d
	t.Cleanup(d.Close)
	return h
}

// settle waits for background sends and loop runs started so far.
func (h *harness) settle() {
	h.d.wg.Wait()
	for _, pl := range h.d.pipelines {
		pl.Loop.Wait()
	}
}

func (h *harness) queueLen(kind payload.Kind) int {
	pl, _ := h.d.Pipeline(kind)
	return pl.Queue.Len()
}

func report(class, msg string) *payload.Report {
	return &payload.Report{Events: []payload.Event{{ErrorClass: class, ErrorMessage: msg}}}
}

func session(id string) *payload.Session {
	return &payload.Session{ID: id}
}

func newPayload(kind payload.Kind, body string) payload.Payload {
	return payload.New(kind, "https://collector.test/", payload.CollectorHeaders(kind, "k", testNow), []byte(body))
}
