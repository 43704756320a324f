package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncular/syncular-sub002/wire"
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <table> <rowId> [payloadJSON]",
		Short: "Enqueue a local write and run one sync cycle",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runPush,
	}
	cmd.Flags().Bool("delete", false, "delete the row instead of upserting it")
	return cmd
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg, err := loadCmdConfig(cmd)
	if err != nil {
		return err
	}
	del, _ := cmd.Flags().GetBool("delete")

	table, rowID := args[0], args[1]
	op := wire.OpUpsert
	var payload json.RawMessage
	if del {
		op = wire.OpDelete
	} else {
		if len(args) < 3 {
			return fmt.Errorf("payloadJSON is required unless --delete is set")
		}
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(args[2])
	}

	ctx := cmd.Context()
	engine, teardown, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer teardown()

	commit, err := engine.Enqueue(ctx, "", 1, []wire.Operation{
		{Table: table, RowID: rowID, Op: op, Payload: payload},
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := engine.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Println(successStyle.Render(fmt.Sprintf("enqueued commit %s", commit.ID)))

	conflicts, err := engine.Conflicts(ctx)
	if err != nil {
		return fmt.Errorf("check conflicts: %w", err)
	}
	for _, c := range conflicts {
		if c.OutboxID == commit.ID {
			fmt.Println(errorStyle.Render(fmt.Sprintf("conflict %s: %s (%s)", c.ID, c.Message, c.Code)))
		}
	}
	return nil
}
