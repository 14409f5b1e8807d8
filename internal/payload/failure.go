package payload

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind tags where a delivery attempt went wrong.
type FailureKind int

const (
	// FailureTransport is a network-level failure with no response.
	FailureTransport FailureKind = iota
	// FailureHTTPStatus is a non-2xx response.
	FailureHTTPStatus
	// FailureSerialization happened while building the request body.
	FailureSerialization
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureHTTPStatus:
		return "http_status"
	case FailureSerialization:
		return "serialization"
	}
	return "unknown"
}

// Failure is the error returned for a failed delivery attempt.
// StatusCode is zero when no response was received.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	switch {
	case f.Kind == FailureHTTPStatus:
		return fmt.Sprintf("bad status code from API: %d", f.StatusCode)
	case f.Err != nil:
		return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
	}
	return f.Kind.String() + " failure"
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether another attempt may succeed. A body that could
// not be encoded never will be; other failures without a status code are
// unknown and default to retryable.
func (f *Failure) Retryable() bool {
	if f.Kind == FailureSerialization {
		return false
	}
	if f.StatusCode == 0 {
		return true
	}
	return IsRetryable(f.StatusCode)
}

// Reason is a bounded-cardinality label for metrics.
func (f *Failure) Reason() string {
	switch f.Kind {
	case FailureSerialization:
		return "serialization"
	case FailureHTTPStatus:
		switch {
		case f.StatusCode >= 500:
			return "http_5xx"
		case f.StatusCode == 429:
			return "http_429"
		case f.StatusCode == 408:
			return "http_408"
		case f.StatusCode >= 400:
			return "http_4xx"
		}
		return "other"
	}
	if f.Err == nil {
		return "network"
	}
	errLower := strings.ToLower(f.Err.Error())
	if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}

// TransportFailure wraps a network error.
func TransportFailure(err error) *Failure {
	return &Failure{Kind: FailureTransport, Err: err}
}

// StatusFailure records a non-2xx response.
func StatusFailure(status int) *Failure {
	return &Failure{Kind: FailureHTTPStatus, StatusCode: status}
}

// SerializationFailure wraps an error raised while encoding a payload.
func SerializationFailure(err error) *Failure {
	return &Failure{Kind: FailureSerialization, Err: err}
}

// AsFailure converts any error into a *Failure. Errors that are not
// already failures are treated as transport failures.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return TransportFailure(err)
}

// IsRetryable reports whether a response status is worth retrying:
// anything outside 4xx, plus 408 (timeout) and 429 (too many requests).
func IsRetryable(status int) bool {
	return status < 400 || status > 499 || status == 408 || status == 429
}
