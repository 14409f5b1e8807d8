package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK        bool           `json:"ok"`
	Message   string         `json:"message,omitempty"`
	Database  *bool          `json:"database,omitempty"`
	Connected bool           `json:"connected"`
	Queues    map[string]int `json:"queues,omitempty"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity is satisfied by *connectivity.Watcher.
type Connectivity interface {
	IsConnected() bool
}

// Checks lists what the handler inspects. Nil members are skipped.
type Checks struct {
	DB           Pinger
	Connectivity Connectivity
	QueueDepths  func() map[string]int
}

// HTTPHandler reports relay health. Only a failed database ping makes the
// relay unhealthy; an unreachable collector just means payloads queue up.
func HTTPHandler(c Checks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Connected: true}

		if c.Connectivity != nil && !c.Connectivity.IsConnected() {
			st.Connected = false
			st.Message = "collector unreachable, queueing"
		}
		if c.QueueDepths != nil {
			st.Queues = c.QueueDepths()
		}

		code := http.StatusOK
		if c.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			dbOK := c.DB.Ping(ctx) == nil
			st.Database = &dbOK
			if !dbOK {
				st.OK = false
				st.Message = "db ping failed"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
