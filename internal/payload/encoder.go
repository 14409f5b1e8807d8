package payload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const redactedValue = "[REDACTED]"

var (
	ErrEmptyReport  = errors.New("report has no events")
	ErrEmptySession = errors.New("session has no id")
)

// Encoder turns reports and sessions into collector request bodies,
// redacting configured keys from free-form metadata.
type Encoder struct {
	redactedKeys []string
}

// NewEncoder returns an encoder that redacts the given keys (case-insensitive).
func NewEncoder(redactedKeys ...string) *Encoder {
	return &Encoder{redactedKeys: redactedKeys}
}

type reportBody struct {
	APIKey         string  `json:"apiKey"`
	PayloadVersion string  `json:"payloadVersion"`
	Events         []Event `json:"events"`
}

type sessionBody struct {
	Sessions []Session `json:"sessions"`
	SentAt   string    `json:"sentAt"`
}

// Report encodes r. Failures are returned as serialization failures.
func (e *Encoder) Report(r *Report, apiKey string) ([]byte, error) {
	if r == nil || len(r.Events) == 0 {
		return nil, SerializationFailure(ErrEmptyReport)
	}
	events := make([]Event, len(r.Events))
	for i, ev := range r.Events {
		ev.Metadata = e.redactMap(ev.Metadata)
		events[i] = ev
	}
	b, err := json.Marshal(reportBody{
		APIKey:         apiKey,
		PayloadVersion: KindReport.PayloadVersion(),
		Events:         events,
	})
	if err != nil {
		return nil, SerializationFailure(fmt.Errorf("encode report: %w", err))
	}
	return b, nil
}

// Session encodes s. Failures are returned as serialization failures.
func (e *Encoder) Session(s *Session) ([]byte, error) {
	if s == nil || s.ID == "" {
		return nil, SerializationFailure(ErrEmptySession)
	}
	cp := *s
	cp.User = e.redactMap(cp.User)
	cp.App = e.redactMap(cp.App)
	cp.Device = e.redactMap(cp.Device)
	b, err := json.Marshal(sessionBody{
		Sessions: []Session{cp},
		SentAt:   time.Now().UTC().Format(SentAtLayout),
	})
	if err != nil {
		return nil, SerializationFailure(fmt.Errorf("encode session: %w", err))
	}
	return b, nil
}

func (e *Encoder) redacted(key string) bool {
	for _, k := range e.redactedKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// redactMap returns a copy of m with redacted keys replaced at any depth.
func (e *Encoder) redactMap(m map[string]any) map[string]any {
	if m == nil || len(e.redactedKeys) == 0 {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if e.redacted(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = e.redactValue(v)
	}
	return out
}

func (e *Encoder) redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return e.redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = e.redactValue(item)
		}
		return out
	}
	return v
}
