package payload

import "time"

// Event is a single error occurrence inside a report.
type Event struct {
	ErrorClass   string         `json:"errorClass"`
	ErrorMessage string         `json:"errorMessage"`
	Severity     string         `json:"severity,omitempty"`
	Unhandled    bool           `json:"unhandled,omitempty"`
	Metadata     map[string]any `json:"metaData,omitempty"`
}

// Report is an error report as handed over by the client.
type Report struct {
	// APIKey overrides the client-level key when set.
	APIKey string  `json:"apiKey,omitempty"`
	Events []Event `json:"events"`
	// AttemptImmediateDelivery=false defers delivery to the queue. Nil means true.
	AttemptImmediateDelivery *bool `json:"attemptImmediateDelivery,omitempty"`
}

// Immediate reports whether the caller wants a delivery attempt right away.
func (r *Report) Immediate() bool {
	return r.AttemptImmediateDelivery == nil || *r.AttemptImmediateDelivery
}

// Summary describes the first event for log lines.
func (r *Report) Summary() string {
	if len(r.Events) == 0 {
		return "<empty report>"
	}
	return r.Events[0].ErrorClass + ": " + r.Events[0].ErrorMessage
}

// Session is a session ping.
type Session struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"startedAt"`
	User      map[string]any `json:"user,omitempty"`
	App       map[string]any `json:"app,omitempty"`
	Device    map[string]any `json:"device,omitempty"`
}
