package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/payload"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const defaultMaxBodyBytes = 1 << 20

// Sender is satisfied by *delivery.Dispatcher.
type Sender interface {
	DeliverReport(ctx context.Context, r *payload.Report) error
	DeliverSession(ctx context.Context, s *payload.Session) error
}

// Server accepts reports and sessions over HTTP and hands them to the
// dispatcher. A 202 means the payload was delivered or durably queued.
type Server struct {
	sender       Sender
	maxBodyBytes int64
}

func NewServer(sender Sender) *Server {
	return &Server{sender: sender, maxBodyBytes: defaultMaxBodyBytes}
}

// Response is the JSON body of every ingest reply.
type Response struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// Register mounts the ingest routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/ping", s.ping)
	mux.HandleFunc("POST /v1/reports", s.reports)
	mux.HandleFunc("POST /v1/sessions", s.sessions)
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) reports(w http.ResponseWriter, r *http.Request) {
	var report payload.Report
	ctx, ok := s.decode(w, r, payload.KindReport, &report)
	if !ok {
		return
	}
	s.reply(ctx, w, payload.KindReport, s.sender.DeliverReport(ctx, &report))
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	var session payload.Session
	ctx, ok := s.decode(w, r, payload.KindSession, &session)
	if !ok {
		return
	}
	s.reply(ctx, w, payload.KindSession, s.sender.DeliverSession(ctx, &session))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, kind payload.Kind, dst any) (context.Context, bool) {
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	ctx, span := tracing.StartSpan(ctx, "ingest."+string(kind), tracing.PayloadAttributes(string(kind), "")...)
	defer span.End()

	if id, ok := auth.ClientIDFromContext(r.Context()); ok {
		span.SetAttributes(attribute.String("client.id", id))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{Error: "request body too large"})
			return ctx, false
		}
		writeJSON(w, http.StatusBadRequest, Response{Error: "read body: " + err.Error()})
		return ctx, false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		tracing.SetSpanError(ctx, err)
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid JSON: " + err.Error()})
		return ctx, false
	}
	return ctx, true
}

func (s *Server) reply(ctx context.Context, w http.ResponseWriter, kind payload.Kind, err error) {
	if err == nil {
		writeJSON(w, http.StatusAccepted, Response{OK: true})
		return
	}

	f := payload.AsFailure(err)
	retryable := f.Retryable()
	status := http.StatusBadGateway
	if f.Kind == payload.FailureSerialization {
		status = http.StatusBadRequest
	}
	logging.WithContext(ctx).WithKind(string(kind)).WithError(err).Warn("ingest delivery failed")
	writeJSON(w, status, Response{Error: err.Error(), Retryable: &retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
