package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "syncularctl",
		Short:         "Syncular — offline-first sync client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.PersistentFlags().String("server", "", "sync server base URL (default http://localhost:8080)")
	root.PersistentFlags().String("user", "", "actor id to authenticate as")
	root.PersistentFlags().String("client-id", "", "stable client id (default: a fresh ULID each run)")
	root.PersistentFlags().String("store", "", "local SQLite store path (default syncularctl.db)")

	root.AddCommand(newSubscribeCmd())
	root.AddCommand(newPushCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConflictsCmd())

	if err := fang.Execute(ctx, root, fang.WithVersion(Version), fang.WithCommit(Commit)); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("[ERROR] "+err.Error()))
		return err
	}
	return nil
}

func loadCmdConfig(cmd *cobra.Command) (Config, error) {
	root := cmd.Root()
	configPath, _ := root.PersistentFlags().GetString("config")
	return loadConfig(root.PersistentFlags(), configPath)
}
