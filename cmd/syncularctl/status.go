package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Run one sync cycle and print the resulting engine state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadCmdConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	engine, teardown, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer teardown()

	syncErr := engine.Sync(ctx)
	state := engine.State()

	fmt.Println(infoStyle.Render(fmt.Sprintf("connection:  %s", state.ConnectionState)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("transport:   %s", state.TransportMode)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("pending:     %d", state.PendingCount)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("retries:     %d", state.RetryCount)))
	if state.Err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("last error:  %s", state.Err)))
	} else {
		fmt.Println(successStyle.Render("last sync:   ok"))
	}
	return syncErr
}
