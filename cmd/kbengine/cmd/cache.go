package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kb-forge/coreengine/internal/daemon"
)

func newCacheCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cache",
		Short: "Manage the query cache",
	}
	root.AddCommand(newCacheClearCmd())
	return root
}

func newCacheClearCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "clear",
		Short: "Invalidate a scope's cached query results, as the context-consistency gate does on a revision mismatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeID := flags.resolveScope()
			cfg := daemon.DefaultConfig()
			client := daemon.NewClient(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			if !client.IsRunning() {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon not running; each CLI invocation builds a fresh query cache, so there is nothing persistent to clear")
				return nil
			}
			if err := client.ClearCache(ctx, scopeID); err != nil {
				return fmt.Errorf("cache clear: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared cache partition for scope %q\n", scopeID)
			return nil
		},
	}
	return c
}
