package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inline/internal/api"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/session"
)

func newTxCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "tx", Short: "Inspect the transaction queue"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListTransactions(ctx)
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), resp)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tATTEMPTS\tAGE\tERROR")
				for _, tx := range resp.Transactions {
					age := time.Since(time.UnixMilli(tx.CreatedAt)).Round(time.Second)
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", tx.ID, tx.Kind, tx.Status, tx.Attempts, age, tx.LastError)
				}
				return tw.Flush()
			})
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued transaction and roll back its local effect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.CancelTransaction(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(list, cancel)
	return cmd
}

func newSettingsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Read or replace user settings"}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print user settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.GetUserSettings(ctx)
				if err != nil {
					return err
				}
				if resp.Cached && !opts.json {
					fmt.Fprintln(cmd.ErrOrStderr(), "offline: showing cached settings")
				}
				return outputJSON(cmd.OutOrStdout(), resp)
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <json>",
		Short: `Replace user settings, e.g. '{"general":{"theme":"dark"}}'`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s protocol.UserSettings
			if err := json.Unmarshal([]byte(args[0]), &s); err != nil {
				return fmt.Errorf("parse settings: %w", err)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.UpdateUserSettings(ctx, &api.UpdateUserSettingsRequest{Settings: s})
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), resp)
			})
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

// newWatchCommand streams daemon events until interrupted. It ignores
// --timeout.
func newWatchCommand(opts *rootOptions) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := opts.sessionName()
			if err != nil {
				return err
			}
			c, err := api.Dial(session.SocketPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = c.Watch(ctx, namespace, func(ev *api.Event) error {
				return enc.Encode(ev)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "event kind prefix, e.g. message. or transaction.")
	return cmd
}
