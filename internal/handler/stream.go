package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

const defaultHeartbeat = 30 * time.Second

// sseStream writes server-sent events to one client.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets the event-stream headers and registers the connection. The
// returned func must be called when the stream ends.
func startSSE(w http.ResponseWriter) (*sseStream, func(), bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncrementStreamConnections("sse")
	return &sseStream{w: w, flusher: flusher}, func() { metrics.DecrementStreamConnections("sse") }, true
}

func (s *sseStream) send(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()

	return nil
}

func (s *sseStream) heartbeat() error {
	return s.send("heartbeat", &model.HeartbeatEvent{Timestamp: time.Now().UTC()})
}

func heartbeatInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultHeartbeat
	}
	return d
}
