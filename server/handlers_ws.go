package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/irc-relay/pipeline"
	"github.com/onnwee/irc-relay/telemetry"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 64 << 10
)

type wsError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Origin checks are left to CORS configuration and the viewer token.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades to the viewer protocol. A viewer whose connection carries
// the viewer token (or when none is configured) starts authenticated; others
// must send the token in a request frame before anything is answered.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.engine == nil {
		http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	cfg := h.config()
	authed := cfg.Viewer.Token == "" || secureEqual(viewerToken(r), cfg.Viewer.Token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	v := newStreamViewer("ws", cfg.Viewer.QueueSize)
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "ws"), slog.String("viewer", v.ID()))
	log.Debug("viewer connected", slog.Bool("authed", authed))

	h.engine.Attach(v, authed)
	defer h.engine.Detach(v)
	defer v.close()

	go h.writeWS(conn, v)

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Warn("websocket closed unexpectedly", slog.Any("err", err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var req pipeline.Request
		if err := json.Unmarshal(payload, &req); err != nil || req.Type == "" {
			// Unauthenticated viewers get no answers at all.
			if authed {
				v.Deliver(wsError{Type: "error", Code: "INVALID_MESSAGE", Message: "invalid json payload"})
			}
			continue
		}
		if !authed && req.Token != "" {
			authed = secureEqual(req.Token, h.config().Viewer.Token)
		}
		h.engine.Submit(v, req)
	}
}

// writeWS is the only writer of conn. It drains the viewer queue and keeps the
// connection alive with pings until the viewer or the server goes away.
func (h *Handlers) writeWS(conn *websocket.Conn, v *streamViewer) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg := <-v.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-v.done:
			return
		}
	}
}
