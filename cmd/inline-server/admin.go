package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/matheus3301/inline/internal/auth"
	"github.com/matheus3301/inline/internal/serverdb"
)

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a user and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			u, err := db.CreateUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		},
	})
	return cmd
}

func newSpaceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "space", Short: "Manage spaces"}

	var creator int64
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a space owned by --creator and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if creator <= 0 {
				return fmt.Errorf("--creator is required")
			}
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			sp, err := db.CreateSpace(cmd.Context(), args[0], creator)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sp.ID)
			return nil
		},
	}
	create.Flags().Int64Var(&creator, "creator", 0, "user id of the owner")

	var role string
	addMember := &cobra.Command{
		Use:   "add-member <space-id> <user-id>",
		Short: "Add a user to a space",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			r := serverdb.Role(role)
			if r != serverdb.RoleMember && r != serverdb.RoleAdmin {
				return fmt.Errorf("--role must be member or admin")
			}
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			return db.AddMember(cmd.Context(), ids[0], ids[1], r)
		},
	}
	addMember.Flags().StringVar(&role, "role", string(serverdb.RoleMember), "member or admin")

	cmd.AddCommand(create, addMember)
	return cmd
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage session tokens"}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <user-id>",
		Short: "Open a new session for a user and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
			if err != nil {
				return err
			}
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			u, err := db.GetUser(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			if u == nil {
				return fmt.Errorf("user %d not found", ids[0])
			}
			sess, err := db.CreateSession(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(u.ID, sess.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	})
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		out[i] = id
	}
	return out, nil
}
