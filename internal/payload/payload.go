package payload

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Collector request headers.
const (
	HeaderContentType    = "Content-Type"
	HeaderAPIKey         = "Harbor-Api-Key"
	HeaderPayloadVersion = "Harbor-Payload-Version"
	HeaderSentAt         = "Harbor-Sent-At"
)

// SentAtLayout is the ISO-8601 layout used for HeaderSentAt.
const SentAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Header is a single request header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list. Names are unique, compared case-insensitively.
type Headers []Header

// Get returns the value for name, or "" when absent.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// With returns a copy of h where name is set to value. An existing entry
// keeps its position; a new one is appended.
func (h Headers) With(name, value string) Headers {
	out := make(Headers, 0, len(h)+1)
	replaced := false
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			if !replaced {
				out = append(out, Header{Name: hdr.Name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, hdr)
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	return out
}

// Apply copies the headers onto an outgoing request.
func (h Headers) Apply(dst http.Header) {
	for _, hdr := range h {
		dst.Set(hdr.Name, hdr.Value)
	}
}

// Payload is one delivery attempt's worth of work: a serialized body and
// the request that carries it. Treat it as immutable once built.
type Payload struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Headers   Headers   `json:"headers"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds a POST payload with a fresh id. Headers and body are copied.
func New(kind Kind, url string, headers Headers, body []byte) Payload {
	return Payload{
		ID:        uuid.NewString(),
		Kind:      kind,
		URL:       url,
		Method:    http.MethodPost,
		Headers:   append(Headers(nil), headers...),
		Body:      append([]byte(nil), body...),
		CreatedAt: time.Now().UTC(),
	}
}

// CollectorHeaders returns the standard header set for a collector request.
func CollectorHeaders(kind Kind, apiKey string, sentAt time.Time) Headers {
	return Headers{
		{Name: HeaderContentType, Value: "application/json"},
		{Name: HeaderAPIKey, Value: apiKey},
		{Name: HeaderPayloadVersion, Value: kind.PayloadVersion()},
		{Name: HeaderSentAt, Value: sentAt.UTC().Format(SentAtLayout)},
	}
}
