package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncular/syncular-sub002/syncclient"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve pending conflicts",
	}
	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsResolveCmd())
	return cmd
}

func newConflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE:  runConflictsList,
	}
}

func runConflictsList(cmd *cobra.Command, args []string) error {
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

	conflicts, err := engine.Conflicts(ctx)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		fmt.Println(successStyle.Render("no unresolved conflicts"))
		return nil
	}
	for _, c := range conflicts {
		fmt.Printf("%s  outbox=%s  op=%d  %s: %s\n", c.ID, c.OutboxID, c.OpIndex, c.Code, c.Message)
	}
	return nil
}

func newConflictsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflictId> <accept|reject|merge:<json>>",
		Short: "Resolve a conflict",
		Args:  cobra.ExactArgs(2),
		RunE:  runConflictsResolve,
	}
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
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

	if err := engine.ResolveConflict(ctx, args[0], syncclient.ConflictResolution(args[1])); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("resolved conflict %s", args[0])))
	return nil
}
