package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	addr     string
	token    string
	username string
	password string
	config   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Control a running irc-relay",
		Long:          "relayctl talks to the relay's admin API to inspect sessions, drive connections, join or part channels and seal config secrets.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.addr, "addr", "a", envOr("RELAY_ADDR", "http://localhost:8080"), "Relay base URL ($RELAY_ADDR)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("ADMIN_TOKEN"), "Admin token ($ADMIN_TOKEN)")
	root.PersistentFlags().StringVar(&opts.username, "username", os.Getenv("ADMIN_USERNAME"), "Admin basic auth user ($ADMIN_USERNAME)")
	root.PersistentFlags().StringVar(&opts.password, "password", os.Getenv("ADMIN_PASSWORD"), "Admin basic auth password ($ADMIN_PASSWORD)")

	root.AddCommand(
		newStatusCmd(opts),
		newSessionCmd(opts, "connect", "Connect a server"),
		newSessionCmd(opts, "disconnect", "Disconnect a server and stop retrying"),
		newSessionCmd(opts, "reconnect", "Reconnect a server stopped by disconnect or retry exhaustion"),
		newChannelCmd(opts, "join", "Join a channel on a server"),
		newChannelCmd(opts, "part", "Part a channel on a server"),
		newMigrateCmd(opts),
		newSealCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// client calls the relay over HTTP with admin credentials.
type client struct {
	base string
	opts *options
	http *http.Client
}

func newClient(opts *options) *client {
	return &client{
		base: strings.TrimRight(opts.addr, "/"),
		opts: opts,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case c.opts.token != "":
		req.Header.Set("X-Admin-Token", c.opts.token)
	case c.opts.username != "":
		req.SetBasicAuth(c.opts.username, c.opts.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// printJSON re-indents body onto w.
func printJSON(w io.Writer, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		_, err = w.Write(body)
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
