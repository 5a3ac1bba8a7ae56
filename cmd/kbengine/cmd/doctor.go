package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kb-forge/coreengine/internal/indexinfo"
)

func newDoctorCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "doctor",
		Short: "Report a scope's index health: manifest stats, embedder compatibility, preflight, and cross-store consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup := setupLogging()
			defer cleanup()

			ctx := cmd.Context()
			s, err := openScope(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			builder := indexinfo.NewBuilder(nil)
			report, err := builder.Build(ctx, s.ScopeID, s.RootDir, s.Metadata, s.BM25, s.Vector, s.Embedder)
			if err != nil {
				return fmt.Errorf("doctor: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Healthy() {
				return fmt.Errorf("scope %q is unhealthy", s.ScopeID)
			}
			return nil
		},
	}
	return c
}
