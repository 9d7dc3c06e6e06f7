package main

import (
	"github.com/spf13/cobra"

	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/serverdb"
)

type rootOptions struct {
	configPath string
}

func (o *rootOptions) load() (*config.Server, error) {
	return config.LoadServer(o.configPath)
}

// openDB opens and migrates the configured database for the admin
// commands.
func (o *rootOptions) openDB() (*serverdb.DB, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	db, err := serverdb.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "inline-server",
		Short:         "Authoritative chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to inline-server.toml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	cmd.AddCommand(newSpaceCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}
