package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/db"
)

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the history database schema",
	}
	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", config.GetConfigPath(), "Relay config file ($RELAY_CONFIG)")

	open := func(cmd *cobra.Command) (*db.Store, error) {
		cfg, err := config.Load(opts.config)
		if err != nil {
			return nil, err
		}
		return db.Open(cmd.Context(), cfg.Database)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := open(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = s.Close() }()
				if err := s.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration (drops history)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := open(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = s.Close() }()
				return s.MigrateDown()
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current migration version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := open(cmd)
				if err != nil {
					return err
				}
				defer func() { _ = s.Close() }()
				v, dirty, err := s.MigrationVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
				return nil
			},
		},
	)
	return cmd
}
