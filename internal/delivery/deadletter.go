package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const DLQType = "payload.dlq"

// DeadLetter describes a payload that will never be delivered.
type DeadLetter struct {
	Type         string            `json:"type"`    // "payload.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason       string            `json:"reason"`  // failure reason, see payload.Failure.Reason
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Payload      payload.Payload   `json:"payload"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(ctx context.Context, p payload.Payload, f *payload.Failure) DeadLetter {
	dl := DeadLetter{
		Type:         DLQType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Payload:      p,
		TraceHeaders: tracing.PropagateTrace(ctx),
	}
	if f != nil {
		dl.Reason = f.Reason()
		dl.HTTPStatus = f.StatusCode
		dl.LastError = f.Error()
	}
	if len(dl.TraceHeaders) == 0 {
		dl.TraceHeaders = nil
	}
	return dl
}

// DeadLetterSink receives permanently undeliverable payloads.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQDeadLetterSink publishes dead letters as JSON to an NSQ topic.
type NSQDeadLetterSink struct {
	producer Publisher
	topic    string
}

func NewNSQDeadLetterSink(producer Publisher, topic string) *NSQDeadLetterSink {
	return &NSQDeadLetterSink{producer: producer, topic: topic}
}

func (s *NSQDeadLetterSink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := s.producer.Publish(s.topic, b); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", s.topic, err)
	}
	return nil
}
