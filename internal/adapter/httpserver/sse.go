package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	obsmetrics "github.com/fairyhunter13/szuru-ingest/internal/adapter/observability"
)

// EventsHandler streams job updates as Server-Sent Events. Each
// connection gets its own bus subscription, a "connected" greeting, and a
// heartbeat comment on the configured interval so proxies keep the
// connection open.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		events, cancel, err := s.Events.SubscribeJobUpdates(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		// SSE connections outlive the server's write timeout.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		obsmetrics.SSESubscribers.Inc()
		defer obsmetrics.SSESubscribers.Dec()

		sendSSEEvent(w, flusher, "connected", map[string]any{
			"message":   "connected to job updates stream",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})

		heartbeat := s.Cfg.SSEHeartbeat
		if heartbeat <= 0 {
			heartbeat = 30 * time.Second
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sendSSEHeartbeat(w, flusher)
			case ev, open := <-events:
				if !open {
					return
				}
				sendSSEEvent(w, flusher, "job_update", ev)
			}
		}
	}
}

// sendSSEEvent writes one Server-Sent Event frame and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// sendSSEHeartbeat writes an SSE comment as a keepalive; EventSource
// clients ignore comment lines.
func sendSSEHeartbeat(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()
}
