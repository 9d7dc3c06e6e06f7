package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inline/internal/api"
)

func newChatsCommand(opts *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List chats from the local replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListChats(ctx, &api.ListChatsRequest{Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), resp)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PEER\tTYPE\tSPACE\tTITLE\tLAST")
				for _, ch := range resp.Chats {
					last := "-"
					switch {
					case ch.LastMsgID != 0:
						last = strconv.FormatInt(ch.LastMsgID, 10)
					case ch.LastMsgLocalID != "":
						last = ch.LastMsgLocalID
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", peerString(ch.Peer), ch.Type, ch.SpaceID, ch.Title, last)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "chat", Short: "Create or delete chats"}

	var (
		spaceID      int64
		public       bool
		participants []int64
		wait         bool
	)
	create := &cobra.Command{
		Use:   "create <title>...",
		Short: "Create a thread in a space",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if spaceID <= 0 {
				return fmt.Errorf("--space is required")
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				resp, err := c.CreateChat(ctx, &api.CreateChatRequest{
					SpaceID:      spaceID,
					Title:        strings.Join(args, " "),
					IsPublic:     public,
					Participants: participants,
					Wait:         wait,
				})
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), resp)
				}
				if resp.Chat != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "created thread:%d\n", resp.Chat.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", resp.TransactionID)
				return nil
			})
		},
	}
	create.Flags().Int64Var(&spaceID, "space", 0, "space id")
	create.Flags().BoolVar(&public, "public", false, "visible to every space member")
	create.Flags().Int64SliceVar(&participants, "participant", nil, "user ids for a private thread")
	create.Flags().BoolVar(&wait, "wait", false, "block until the server confirms")

	var peer peerFlags
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete a chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := peer.peer()
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				return c.DeleteChat(ctx, &api.DeleteChatRequest{Peer: p})
			})
		},
	}
	peer.register(del)

	cmd.AddCommand(create, del)
	return cmd
}
