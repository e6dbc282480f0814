package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	QueueSize int    `json:"queue_size"`
}

// QueueSizer reports the outbox backlog. *transmitter.Transmitter satisfies it.
type QueueSizer interface {
	QueueSize(ctx context.Context) (int, error)
}

// HTTPHandler returns an HTTP handler that reports whether the outbox is
// readable and how many requests are waiting in it.
func HTTPHandler(q QueueSizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}
		code := http.StatusOK

		if q != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			n, err := q.QueueSize(ctx)
			if err != nil {
				st.OK = false
				st.Message = "queue unavailable"
				code = http.StatusServiceUnavailable
			}
			st.QueueSize = n
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
