package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/telemetry"
)

// HandleAdminSession runs connect, disconnect or reconnect on one session.
// Path: POST /admin/servers/{name}/{action}.
func (h *Handlers) HandleAdminSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"), slog.String("server", s.Name()))

	var err error
	switch action := r.PathValue("action"); action {
	case "connect":
		err = s.Connect()
	case "disconnect":
		reason := strings.TrimSpace(r.URL.Query().Get("reason"))
		if reason == "" {
			reason = "disconnected by operator"
		}
		s.Disconnect(reason)
	case "reconnect":
		err = s.Reconnect()
	default:
		http.Error(w, "unknown action "+action, http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Warn("session action rejected", slog.String("action", r.PathValue("action")), slog.Any("err", err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	log.Info("session action", slog.String("action", r.PathValue("action")))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server": s.Name(), "state": string(s.State())})
}

// HandleAdminChannel joins or parts a channel on one session and refreshes routes.
// Path: POST /admin/servers/{name}/channels/{action}?channel=#name.
func (h *Handlers) HandleAdminChannel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	var err error
	switch action := r.PathValue("action"); action {
	case "join":
		err = s.JoinChannel(channel)
	case "part":
		err = s.PartChannel(channel, r.URL.Query().Get("reason"))
	default:
		http.Error(w, "unknown action "+action, http.StatusBadRequest)
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("channel action failed",
			slog.String("server", s.Name()), slog.String("channel", channel), slog.Any("err", err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if h.engine != nil {
		h.engine.RefreshRoutes()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "server": s.Name(), "channels": s.Channels()})
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	if h.mgr == nil {
		http.Error(w, "no connection manager", http.StatusServiceUnavailable)
		return nil, false
	}
	s, ok := h.mgr.Session(r.PathValue("name"))
	if !ok {
		http.Error(w, chat.ErrUnknownServer.Error(), http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotAborted), errors.Is(err, chat.ErrAborted), errors.Is(err, chat.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
