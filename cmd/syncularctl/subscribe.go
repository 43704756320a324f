package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <table>",
		Short: "Subscribe to a table and run one sync cycle",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubscribe,
	}
	cmd.Flags().StringToString("scope", nil, "scope key=value pairs to subscribe with (repeatable)")
	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	cfg, err := loadCmdConfig(cmd)
	if err != nil {
		return err
	}
	scopeFlags, _ := cmd.Flags().GetStringToString("scope")
	scopes := make(map[string]any, len(scopeFlags))
	for k, v := range scopeFlags {
		scopes[k] = v
	}

	ctx := cmd.Context()
	engine, teardown, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer teardown()

	sub, err := engine.Subscribe(ctx, args[0], scopes, nil)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := engine.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Println(successStyle.Render(fmt.Sprintf("subscribed to %q (subscription %s)", args[0], sub.SubscriptionID)))
	return nil
}
