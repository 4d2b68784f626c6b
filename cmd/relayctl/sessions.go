package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sessions and pipeline counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/status", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func newSessionCmd(opts *options, action, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action + " <server>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if reason != "" {
				q.Set("reason", reason)
			}
			path := fmt.Sprintf("/admin/servers/%s/%s", url.PathEscape(args[0]), action)
			body, err := newClient(opts).do(cmd.Context(), http.MethodPost, path, q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
	if action == "disconnect" {
		cmd.Flags().StringVar(&reason, "reason", "", "QUIT message sent to the server")
	}
	return cmd
}

func newChannelCmd(opts *options, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <server> <channel>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/admin/servers/%s/channels/%s", url.PathEscape(args[0]), action)
			body, err := newClient(opts).do(cmd.Context(), http.MethodPost, path, url.Values{"channel": {args[1]}})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}
