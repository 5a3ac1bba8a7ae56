package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kb-forge/coreengine/internal/orchestrator"
)

func newQueryCmd() *cobra.Command {
	var mode string
	var requestID string

	c := &cobra.Command{
		Use:   "query <question>",
		Short: "Run a query through the orchestrator's instant/auto/thinking pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup := setupLogging()
			defer cleanup()

			ctx := cmd.Context()
			s, err := openScope(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			manifest, err := s.Metadata.GetManifest(ctx, s.ScopeID)
			if err != nil || manifest == nil {
				return fmt.Errorf("scope %q has no index yet; run `kbengine index` first", s.ScopeID)
			}

			req := orchestrator.Request{
				RequestID:        requestID,
				ScopeID:          s.ScopeID,
				Mode:             orchestrator.Mode(mode),
				Query:            args[0],
				IndexRevision:    manifest.IndexRevision,
				EngineConfigHash: manifest.EngineConfigHash,
				SourcesDigest:    manifest.SourcesDigest,
			}

			resp, errResp := s.Orchestrator.Handle(ctx, req)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if errResp != nil {
				_ = enc.Encode(errResp)
				return fmt.Errorf("query failed: %s", errResp.Error.Message)
			}
			return enc.Encode(resp)
		},
	}

	c.Flags().StringVar(&mode, "mode", "auto", "query mode: instant, auto, or thinking")
	c.Flags().StringVar(&requestID, "request-id", "cli", "request id carried into AgentResponse.Meta")
	return c
}
