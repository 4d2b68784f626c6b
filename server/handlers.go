package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/db"
	"github.com/onnwee/irc-relay/notify"
	"github.com/onnwee/irc-relay/pipeline"
)

// Store is the slice of the durable store the HTTP handlers read.
type Store interface {
	Ping(ctx context.Context) error
	RecentLines(ctx context.Context, channel string, limit int) ([]db.Line, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx    context.Context
	cfg    atomic.Pointer[config.Config]
	engine *pipeline.Engine
	mgr    *chat.Manager
	store  Store
	push   *notify.Pusher
}

// NewHandlers creates a Handlers instance. Streams served by it end when ctx is done.
func NewHandlers(ctx context.Context, cfg *config.Config, engine *pipeline.Engine, mgr *chat.Manager, store Store) *Handlers {
	h := &Handlers{ctx: ctx, engine: engine, mgr: mgr, store: store}
	if cfg == nil {
		cfg = config.Defaults()
	}
	h.cfg.Store(cfg)
	return h
}

// SetConfig swaps in a reloaded configuration. Admin, CORS and rate limit
// settings are read once when the mux is built and need a restart.
func (h *Handlers) SetConfig(cfg *config.Config) {
	if cfg != nil {
		h.cfg.Store(cfg)
	}
}

func (h *Handlers) config() *config.Config { return h.cfg.Load() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
