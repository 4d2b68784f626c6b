package server

import (
	"net/http"
)

type serverView struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	TLS       bool     `json:"tls"`
	Nick      string   `json:"nick"`
	Channels  []string `json:"channels"`
	Disabled  bool     `json:"disabled,omitempty"`
}

// HandleConfig returns the running configuration without secrets: no server
// passwords, tokens, admin credentials, database DSN or VAPID keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := h.config()
	servers := make([]serverView, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, serverView{
			Name:      s.Name,
			Transport: s.Transport,
			Host:      s.Host,
			Port:      s.Port,
			TLS:       s.TLS,
			Nick:      s.Nick,
			Channels:  append([]string{}, s.Channels...),
			Disabled:  s.Disabled,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servers":  servers,
		"database": map[string]string{"driver": cfg.Database.Driver},
		"cache": map[string]int{
			"capacity":       cfg.Cache.Capacity,
			"context_window": cfg.Cache.ContextWindow,
			"bunch_max":      cfg.Cache.BunchMax,
		},
		"identities": map[string]int{
			"extra":         len(cfg.Identities.Extra),
			"friends":       len(cfg.Identities.Friends),
			"close_friends": len(cfg.Identities.CloseFriends),
		},
		"retention": map[string]any{
			"schedule":         cfg.Retention.Schedule,
			"keep_days":        cfg.Retention.KeepDays,
			"keep_per_channel": cfg.Retention.KeepPerChannel,
			"dry_run":          cfg.Retention.DryRun,
		},
		"push_enabled":   cfg.Push.Enabled(),
		"viewer_auth":    cfg.Viewer.Token != "",
		"flush_interval": cfg.Persist.FlushInterval.String(),
	})
}
