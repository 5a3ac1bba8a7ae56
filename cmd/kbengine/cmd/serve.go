package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kb-forge/coreengine/internal/daemon"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the background daemon, amortizing embedder/index warmup across many queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup := setupLogging()
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := daemon.DefaultConfig()
			d, err := daemon.NewDaemon(cfg, daemon.WithScopeLoader(loadScopeState))
			if err != nil {
				return fmt.Errorf("construct daemon: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "kbengine daemon listening on %s\n", cfg.SocketPath)
			return d.Start(ctx)
		},
	}
	return c
}

// loadScopeState implements daemon.ScopeLoader by running the same
// scope-opening wiring a one-shot CLI invocation uses, so the daemon
// and `kbengine query` never diverge in how a scope's stores and
// Orchestrator are assembled.
func loadScopeState(ctx context.Context, scopeID string) (*daemon.ScopeState, error) {
	prior := flags.scope
	flags.scope = scopeID
	defer func() { flags.scope = prior }()

	s, err := openScope(ctx, true)
	if err != nil {
		return nil, err
	}
	return s.scopeState(), nil
}
