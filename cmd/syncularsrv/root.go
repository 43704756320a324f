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
		Use:           "syncularsrv",
		Short:         "Syncular — offline-first sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd())

	if err := fang.Execute(ctx, root, fang.WithVersion(Version), fang.WithCommit(Commit)); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("[ERROR] "+err.Error()))
		return err
	}
	return nil
}
