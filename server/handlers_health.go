package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/route"
	"github.com/onnwee/irc-relay/telemetry"
)

const (
	defaultHistoryLimit = 150
	maxHistoryLimit     = 1000
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready when the store answers and at least one session
// is still trying to stay connected.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.Ping(r.Context()) }},
		{"sessions", func() error {
			if h.mgr == nil {
				return errors.New("no connection manager")
			}
			sessions := h.mgr.Sessions()
			if len(sessions) == 0 {
				return errors.New("no servers configured")
			}
			for _, s := range sessions {
				if st := s.State(); st != chat.StateFailed && st != chat.StateAborted {
					return nil
				}
			}
			return errors.New("every session is failed or aborted")
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sessionStatus struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"`
	State     string   `json:"state"`
	Nick      string   `json:"nick"`
	Channels  []string `json:"channels"`
}

// HandleStatus returns every session with its state plus the engine summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := map[string]any{}
	sessions := []sessionStatus{}
	if h.mgr != nil {
		for _, s := range h.mgr.Sessions() {
			sessions = append(sessions, sessionStatus{
				Name:      s.Name(),
				Transport: s.Config().Transport,
				State:     string(s.State()),
				Nick:      s.Nick(),
				Channels:  s.Channels(),
			})
		}
	}
	out["sessions"] = sessions
	if h.engine != nil {
		st, err := h.engine.Stats(r.Context())
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("engine stats unavailable", slog.Any("err", err), slog.String("component", "http"))
		} else {
			out["engine"] = st
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleHistory returns the newest stored records of one channel, oldest first.
// Query: key=<server>/<channel>, limit (default 150, max 1000).
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	server, bare, ok := route.SplitKey(r.URL.Query().Get("key"))
	if !ok {
		http.Error(w, "key must be <server>/<channel>", http.StatusBadRequest)
		return
	}
	key := route.Key(server, bare)
	limit := parseIntQuery(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	lines, err := h.store.RecentLines(r.Context(), key, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("history query failed", slog.String("key", key), slog.Any("err", err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]record.Record, 0, len(lines))
	for _, l := range lines {
		rec, err := l.Record()
		if err != nil {
			slog.Debug("skipping unparsable line", slog.String("id", l.ID), slog.Any("err", err))
			continue
		}
		out = append(out, rec)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"key": key, "records": out})
}
