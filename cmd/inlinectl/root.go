package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inline/internal/api"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/session"
)

type rootOptions struct {
	session string
	json    bool
	timeout time.Duration
}

func (o *rootOptions) sessionName() (string, error) {
	name := session.Resolve(o.session)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withClient dials the session daemon and runs fn with a bounded context.
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	name, err := o.sessionName()
	if err != nil {
		return err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("connect to session %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "inlinectl",
		Short:         "Control a running inline session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.session, "session", "", "session name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-command deadline, 0 for none")

	cmd.AddCommand(
		newStatusCommand(opts),
		newLoginCommand(opts),
		newSendCommand(opts),
		newEditCommand(opts),
		newDeleteCommand(opts),
		newReactCommand(opts),
		newResendCommand(opts),
		newDiscardCommand(opts),
		newChatsCommand(opts),
		newChatCommand(opts),
		newMessagesCommand(opts),
		newTypingCommand(opts),
		newTxCommand(opts),
		newSettingsCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

type peerFlags struct {
	user   int64
	thread int64
}

func (p *peerFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&p.user, "user", 0, "private chat with user id")
	cmd.Flags().Int64Var(&p.thread, "thread", 0, "thread chat id")
}

func (p *peerFlags) peer() (protocol.Peer, error) {
	switch {
	case p.user != 0 && p.thread != 0:
		return protocol.Peer{}, fmt.Errorf("--user and --thread are mutually exclusive")
	case p.user != 0:
		return protocol.UserPeer(p.user), nil
	case p.thread != 0:
		return protocol.ThreadPeer(p.thread), nil
	}
	return protocol.Peer{}, fmt.Errorf("one of --user or --thread is required")
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func peerString(p protocol.Peer) string {
	if p.IsThread() {
		return fmt.Sprintf("thread:%d", p.ThreadID)
	}
	return fmt.Sprintf("user:%d", p.UserID)
}
