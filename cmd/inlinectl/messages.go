package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inline/internal/api"
)

func printTx(cmd *cobra.Command, opts *rootOptions, resp any, id string) error {
	if opts.json {
		return outputJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
	return nil
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var (
		peer    peerFlags
		replyTo int64
	)
	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := peer.peer()
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.SendMessage(ctx, &api.SendMessageRequest{
					Peer:         p,
					Text:         strings.Join(args, " "),
					ReplyToMsgID: replyTo,
				})
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s (local id %s)\n", resp.TransactionID, resp.LocalID)
				return nil
			})
		},
	}
	peer.register(cmd)
	cmd.Flags().Int64Var(&replyTo, "reply-to", 0, "message id to reply to")
	return cmd
}

func newEditCommand(opts *rootOptions) *cobra.Command {
	var peer peerFlags
	cmd := &cobra.Command{
		Use:   "edit <message-id> <text>...",
		Short: "Edit a sent message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := peer.peer()
			if err != nil {
				return err
			}
			id, err := parseMessageID(args[0])
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.EditMessage(ctx, &api.EditMessageRequest{
					Peer:      p,
					MessageID: id,
					Text:      strings.Join(args[1:], " "),
				})
				if err != nil {
					return err
				}
				return printTx(cmd, opts, resp, resp.TransactionID)
			})
		},
	}
	peer.register(cmd)
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	var peer peerFlags
	cmd := &cobra.Command{
		Use:   "delete <message-id>...",
		Short: "Delete messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := peer.peer()
			if err != nil {
				return err
			}
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseMessageID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.DeleteMessages(ctx, &api.DeleteMessagesRequest{Peer: p, MessageIDs: ids})
				if err != nil {
					return err
				}
				return printTx(cmd, opts, resp, resp.TransactionID)
			})
		},
	}
	peer.register(cmd)
	return cmd
}

func newReactCommand(opts *rootOptions) *cobra.Command {
	var (
		peer   peerFlags
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "react <message-id> <emoji>",
		Short: "Add or remove a reaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := peer.peer()
			if err != nil {
				return err
			}
			id, err := parseMessageID(args[0])
			if err != nil {
				return err
			}
			req := &api.ReactionRequest{Peer: p, MessageID: id, Emoji: args[1]}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				var (
					resp *api.TransactionResponse
					err  error
				)
				if remove {
					resp, err = c.RemoveReaction(ctx, req)
				} else {
					resp, err = c.AddReaction(ctx, req)
				}
				if err != nil {
					return err
				}
				return printTx(cmd, opts, resp, resp.TransactionID)
			})
		},
	}
	peer.register(cmd)
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the reaction instead")
	return cmd
}

func newResendCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resend <local-id>",
		Short: "Queue a failed message again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.ResendMessage(ctx, args[0])
				if err != nil {
					return err
				}
				return printTx(cmd, opts, resp, resp.TransactionID)
			})
		},
	}
}

func newDiscardCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <local-id>",
		Short: "Drop a failed message from the local replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.DiscardMessage(ctx, args[0])
			})
		},
	}
}

func newMessagesCommand(opts *rootOptions) *cobra.Command {
	var (
		peer   peerFlags
		before int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List messages in a chat, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := peer.peer()
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListMessages(ctx, &api.ListMessagesRequest{Peer: p, BeforeRowID: before, Limit: limit})
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), resp)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ROW\tID\tFROM\tSTATUS\tDATE\tTEXT")
				for _, m := range resp.Messages {
					id := "-"
					if m.MessageID != 0 {
						id = strconv.FormatInt(m.MessageID, 10)
					}
					fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
						m.RowID, id, m.FromID, m.Status,
						time.Unix(m.Date, 0).Format(time.DateTime), m.Text)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if resp.HasMore && len(resp.Messages) > 0 {
					last := resp.Messages[len(resp.Messages)-1]
					fmt.Fprintf(cmd.OutOrStdout(), "more: --before %d\n", last.RowID)
				}
				return nil
			})
		},
	}
	peer.register(cmd)
	cmd.Flags().Int64Var(&before, "before", 0, "only rows older than this row id")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	return cmd
}

func newTypingCommand(opts *rootOptions) *cobra.Command {
	var (
		peer   peerFlags
		action string
	)
	cmd := &cobra.Command{
		Use:   "typing",
		Short: "Broadcast a compose action to the chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := peer.peer()
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.SendTyping(ctx, &api.TypingRequest{Peer: p, Action: action})
			})
		},
	}
	peer.register(cmd)
	cmd.Flags().StringVar(&action, "action", "typing", "compose action, empty to stop")
	return cmd
}

func parseMessageID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid message id %q", s)
	}
	return id, nil
}
