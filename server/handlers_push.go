package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/irc-relay/notify"
	"github.com/onnwee/irc-relay/telemetry"
)

// EnablePush serves the push subscription endpoints backed by p.
func (h *Handlers) EnablePush(p *notify.Pusher) { h.push = p }

// HandlePushKey returns the VAPID public key browsers subscribe with.
func (h *Handlers) HandlePushKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.push == nil {
		http.Error(w, "push not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.push.PublicKey()})
}

// HandlePushSubscriptions registers (POST, JSON body) or removes
// (DELETE ?endpoint=) a browser push subscription.
func (h *Handlers) HandlePushSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.push == nil {
		http.Error(w, "push not configured", http.StatusNotFound)
		return
	}
	cfg := h.config()
	if cfg.Viewer.Token != "" && !secureEqual(viewerToken(r), cfg.Viewer.Token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "push"))

	switch r.Method {
	case http.MethodPost:
		var sub notify.Subscription
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&sub); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := sub.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.push.Subscriptions().Upsert(sub); err != nil {
			log.Error("store push subscription", slog.Any("err", err))
			http.Error(w, "failed to store subscription", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if err := h.push.Subscriptions().Remove(r.URL.Query().Get("endpoint")); err != nil {
			log.Error("remove push subscription", slog.Any("err", err))
			http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
