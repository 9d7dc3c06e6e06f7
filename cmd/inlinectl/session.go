package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inline/internal/api"
	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/session"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if opts.json {
					return outputJSON(w, st)
				}
				fmt.Fprintf(w, "session:      %s\n", st.Session)
				fmt.Fprintf(w, "user:         %d\n", st.UserID)
				fmt.Fprintf(w, "state:        %s (since %s)\n", st.State, st.Since.Format(time.RFC3339))
				if st.LastError != "" {
					fmt.Fprintf(w, "last error:   %s\n", st.LastError)
				}
				fmt.Fprintf(w, "transactions: %d pending\n", st.PendingTransactions)
				fmt.Fprintf(w, "updates:      %d buffered\n", st.PendingUpdates)
				fmt.Fprintf(w, "uptime:       %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
				return nil
			})
		},
	}
}

// newLoginCommand writes credentials into the session file. The daemon
// reads them at startup, so it must be restarted afterwards.
func newLoginCommand(opts *rootOptions) *cobra.Command {
	var (
		server string
		userID int64
		token  string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store server credentials for the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := opts.sessionName()
			if err != nil {
				return err
			}
			if userID <= 0 || token == "" {
				return fmt.Errorf("--user-id and --token are required")
			}
			if err := session.EnsureDir(name); err != nil {
				return err
			}

			path := session.ConfigPath(name)
			cfg, err := config.LoadSession(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				cfg = &config.Session{}
			case err != nil:
				return err
			}
			cfg.ServerURL = server
			cfg.UserID = userID
			cfg.Token = token
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveSession(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved credentials to %s; restart inlined --session %s\n", path, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "realtime endpoint, e.g. ws://localhost:8000/realtime")
	cmd.Flags().Int64Var(&userID, "user-id", 0, "account user id")
	cmd.Flags().StringVar(&token, "token", "", "session token from inline-server token issue")
	return cmd
}
