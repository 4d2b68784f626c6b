package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/irc-relay/pipeline"
)

var eventsHeartbeatInterval = 15 * time.Second

// HandleEvents streams one subscription as Server-Sent Events. It is read-only:
// the stream opens with the welcome state and the cache snapshot of the
// requested key, then carries its live updates.
// Query: key=<server>/<channel> | user=<nick> | category=<name>, token.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.engine == nil {
		http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	cfg := h.config()
	if cfg.Viewer.Token != "" && !secureEqual(viewerToken(r), cfg.Viewer.Token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	req := pipeline.Request{
		Type:     pipeline.ReqSubscribe,
		Channel:  q.Get("key"),
		Username: q.Get("user"),
		Category: q.Get("category"),
	}
	if req.Channel == "" && req.Username == "" && req.Category == "" {
		http.Error(w, "one of key, user or category is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	v := newStreamViewer("sse", cfg.Viewer.QueueSize)
	h.engine.Attach(v, true)
	h.engine.Submit(v, req)
	defer h.engine.Detach(v)
	defer v.close()

	heartbeat := time.NewTicker(eventsHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-v.queue:
			if err := writeSSEEvent(w, flusher, eventName(msg), msg); err != nil {
				return
			}
		}
	}
}

func eventName(msg any) string {
	if m, ok := msg.(pipeline.Message); ok && m.Type != "" {
		return m.Type
	}
	return "message"
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
