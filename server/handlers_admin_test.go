package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"testing"

	"github.com/onnwee/irc-relay/chat"
	"github.com/onnwee/irc-relay/config"
)

var adminHeader = http.Header{"X-Admin-Token": {"admin-secret"}}

func withAdminToken(c *config.Config) { c.Admin.Token = "admin-secret" }

func TestAdminRequiresAuth(t *testing.T) {
	env := newTestEnv(t, withAdminToken)

	rr := env.do(t, http.MethodPost, "/admin/servers/alpha/disconnect", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	alpha, _ := env.mgr.Session("alpha")
	if alpha.State() == chat.StateAborted {
		t.Fatal("unauthenticated request must not reach the session")
	}
}

func TestAdminSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, withAdminToken)
	alpha, _ := env.mgr.Session("alpha")

	rr := env.do(t, http.MethodPost, "/admin/servers/alpha/reconnect", adminHeader)
	if rr.Code != http.StatusConflict {
		t.Fatalf("reconnect outside aborted: expected 409, got %d", rr.Code)
	}
	if alpha.State() != chat.StateDisconnected {
		t.Fatalf("rejected reconnect must not change state, got %s", alpha.State())
	}

	rr = env.do(t, http.MethodPost, "/admin/servers/alpha/disconnect?reason=maintenance", adminHeader)
	if rr.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["state"] != string(chat.StateAborted) {
		t.Fatalf("expected aborted, got %q", resp["state"])
	}

	rr = env.do(t, http.MethodPost, "/admin/servers/alpha/connect", adminHeader)
	if rr.Code != http.StatusConflict {
		t.Fatalf("connect on aborted session: expected 409, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/admin/servers/alpha/reconnect", adminHeader)
	if rr.Code != http.StatusOK {
		t.Fatalf("reconnect: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	env.tr.Next(t).WaitReady(t)
	if alpha.State() == chat.StateAborted {
		t.Fatal("session should have left aborted")
	}
}

func TestAdminUnknownServerAndAction(t *testing.T) {
	env := newTestEnv(t, withAdminToken)

	if rr := env.do(t, http.MethodPost, "/admin/servers/gamma/connect", adminHeader); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown server: expected 404, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/admin/servers/alpha/explode", adminHeader); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: expected 400, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/admin/servers/alpha/connect", adminHeader); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: expected 405, got %d", rr.Code)
	}
}

func TestAdminChannelJoinPart(t *testing.T) {
	env := newTestEnv(t, withAdminToken)
	alpha, _ := env.mgr.Session("alpha")

	rr := env.do(t, http.MethodPost, "/admin/servers/alpha/channels/join?channel=%23y", adminHeader)
	if rr.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if !slices.Contains(alpha.Channels(), "#y") {
		t.Fatalf("expected #y joined, got %v", alpha.Channels())
	}

	rr = env.do(t, http.MethodPost, "/admin/servers/alpha/channels/part?channel=%23x", adminHeader)
	if rr.Code != http.StatusOK {
		t.Fatalf("part: expected 200, got %d", rr.Code)
	}
	if slices.Contains(alpha.Channels(), "#x") {
		t.Fatalf("expected #x parted, got %v", alpha.Channels())
	}

	if rr := env.do(t, http.MethodPost, "/admin/servers/alpha/channels/join", adminHeader); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing channel: expected 400, got %d", rr.Code)
	}
}

func TestAdminRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		withAdminToken(c)
		c.Admin.RatePerMinute = 1
		c.Admin.RateLimitBurst = 2
	})

	for i := 0; i < 2; i++ {
		if rr := env.do(t, http.MethodPost, "/admin/servers/alpha/channels/join?channel=%23y", adminHeader); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}
	if rr := env.do(t, http.MethodPost, "/admin/servers/alpha/channels/join?channel=%23y", adminHeader); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}
