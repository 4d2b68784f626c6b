package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seenRequest struct {
	method, path, query string
	token               string
}

func fakeRelay(t *testing.T, status int, body string) (*httptest.Server, func() []seenRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []seenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, seenRequest{r.Method, r.URL.EscapedPath(), r.URL.RawQuery, r.Header.Get("X-Admin-Token")})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]seenRequest(nil), seen...)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionCommands(t *testing.T) {
	srv, seen := fakeRelay(t, http.StatusOK, `{"status":"ok","server":"libera","state":"aborted"}`)

	out, err := execute(t, "--addr", srv.URL, "--token", "s3cret", "disconnect", "libera", "--reason", "maintenance")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "aborted"`)

	_, err = execute(t, "--addr", srv.URL+"/", "--token", "s3cret", "join", "libera", "#go-nuts")
	require.NoError(t, err)

	reqs := seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/admin/servers/libera/disconnect", reqs[0].path)
	assert.Equal(t, "reason=maintenance", reqs[0].query)
	assert.Equal(t, "s3cret", reqs[0].token)
	assert.Equal(t, "/admin/servers/libera/channels/join", reqs[1].path)
	assert.Equal(t, "channel=%23go-nuts", reqs[1].query)
}

func TestStatusCommand(t *testing.T) {
	srv, seen := fakeRelay(t, http.StatusOK, `{"sessions":[],"engine":{"viewers":2}}`)
	out, err := execute(t, "--addr", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"viewers": 2`)
	require.Len(t, seen(), 1)
	assert.Equal(t, http.MethodGet, seen()[0].method)
}

func TestCommandReportsConflict(t *testing.T) {
	srv, _ := fakeRelay(t, http.StatusConflict, "session is not aborted\n")
	_, err := execute(t, "--addr", srv.URL, "reconnect", "libera")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "session is not aborted")
}

func TestCommandArgs(t *testing.T) {
	_, err := execute(t, "--addr", "http://127.0.0.1:1", "join", "libera")
	assert.Error(t, err)
}

func TestMigrateSQLite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	conf := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "relay.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o600))
	t.Setenv("DB_DSN", "")
	t.Setenv("DB_DRIVER", "")

	out, err := execute(t, "migrate", "up", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	// versioned migrations are postgres only
	_, err = execute(t, "migrate", "version", "--config", path)
	assert.Error(t, err)
}
