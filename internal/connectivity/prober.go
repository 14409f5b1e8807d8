package connectivity

import (
	"context"
	"net/http"
	"time"
)

// HTTPProber treats any HTTP response from URL as connected. Only transport
// errors (DNS, refused connections, timeouts) count as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber builds a prober with its own client and timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Static always reports the same state.
type Static bool

func (s Static) Probe(context.Context) bool { return bool(s) }
