package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kb-forge/coreengine/internal/indexpipeline"
	"github.com/kb-forge/coreengine/internal/store"
)

func newIndexCmd() *cobra.Command {
	var sourceID string

	c := &cobra.Command{
		Use:   "index",
		Short: "Build or refresh a scope's index (discovery, filtering, chunking, embedding, storage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup := setupLogging()
			defer cleanup()

			ctx := cmd.Context()
			s, err := openScope(ctx, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if sourceID == "" {
				sourceID = "primary"
			}

			pipeline := indexpipeline.New(indexpipeline.Config{
				ScopeID:  s.ScopeID,
				SourceID: sourceID,
				RootDir:  s.RootDir,
				DataDir:  s.DataDir,
				Registry: s.Registry,
				Queue:    s.Queue,
				Limiter:  s.Limiter,
				Embedder: s.Embedder,
				Metadata: s.Metadata,
				Vectors:  s.Vector,
				BM25:     s.BM25,
			})

			stats, err := pipeline.Run(ctx)
			if err != nil {
				return fmt.Errorf("index run: %w", err)
			}

			manifest, err := buildManifest(ctx, s, stats)
			if err != nil {
				return fmt.Errorf("build manifest: %w", err)
			}
			if err := s.Metadata.SaveManifest(ctx, s.ScopeID, manifest); err != nil {
				return fmt.Errorf("save manifest: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "scope=%s revision=%s files=%d/%d chunks=%d embedded=%d skipped=%d duration=%dms\n",
				s.ScopeID, manifest.IndexRevision, stats.FilesFiltered, stats.FilesDiscovered,
				stats.ChunksProduced, stats.ChunksEmbedded, stats.ChunksSkipped, stats.DurationMillis)
			return nil
		},
	}

	c.Flags().StringVar(&sourceID, "source-id", "primary", "identifier for the source tree being indexed")
	return c
}

// buildManifest assembles the IndexManifest for a just-completed run:
// an opaque index_revision, the engine config hash the context-
// consistency gate checks queries against, and the sources digest.
// The revision prefers the workspace's current git HEAD (stable across
// re-indexing an unchanged tree) and falls back to a hash of the scope
// id, the current time and the run's chunk count when the workspace
// isn't a git repository, so the fallback differs on every run.
func buildManifest(ctx context.Context, s *scope, stats indexpipeline.Stats) (*store.IndexManifest, error) {
	revision, err := s.Detector.HeadRevision(ctx)
	if err != nil || revision == "" {
		revision = fallbackRevision(s.ScopeID, stats)
	}
	branch, _ := s.Detector.CurrentBranch(ctx)

	return &store.IndexManifest{
		ManifestVersion:  "1.0.0",
		IndexRevision:    revision,
		BuiltAt:          time.Now(),
		GitRevision:      revision,
		Branch:           branch,
		EngineConfigHash: s.Config.EngineConfigHash(),
		SourcesDigest:    s.Config.SourcesDigest(),
		Stats: store.ManifestStats{
			TotalChunks:        stats.ChunksEmbedded,
			TotalFiles:         stats.FilesFiltered,
			EmbeddingModel:     s.Config.Embeddings.Model,
			EmbeddingDimension: s.Embedder.Dimension(),
			IndexTimeMs:        stats.DurationMillis,
		},
		Storage: store.ManifestStorage{
			Type:     "sqlite+hnsw",
			Location: s.DataDir,
		},
	}, nil
}

func fallbackRevision(scopeID string, stats indexpipeline.Stats) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", scopeID, time.Now().UnixNano(), stats.ChunksProduced)))
	return "local-" + hex.EncodeToString(sum[:])[:12]
}
