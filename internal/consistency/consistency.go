// Package consistency implements the cross-store consistency checker
// of SPEC_FULL.md §12: detect chunks present in one of the BM25/vector
// stores but missing metadata (orphans), and chunks present in metadata
// but missing from one of the search indexes (gaps). Adapted from
// internal/index/consistency.go's ConsistencyChecker, generalized from
// that file's single-tenant GetAllEmbeddings-based enumeration (which
// no longer exists on store.MetadataStore) to the scoped
// ListFileMetadata+GetChunksByPath walk the current metadata schema
// requires.
package consistency

import (
	"context"
	"log/slog"
	"time"

	"github.com/kb-forge/coreengine/internal/store"
)

// InconsistencyType categorizes a detected cross-store issue.
type InconsistencyType int

const (
	InconsistencyOrphanBM25 InconsistencyType = iota
	InconsistencyOrphanVector
	InconsistencyMissingBM25
	InconsistencyMissingVector
)

func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanBM25:
		return "orphan_bm25"
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyMissingBM25:
		return "missing_bm25"
	case InconsistencyMissingVector:
		return "missing_vector"
	default:
		return "unknown"
	}
}

// Inconsistency is one detected issue, identified by chunk ID.
type Inconsistency struct {
	Type    InconsistencyType
	ChunkID string
	Details string
}

// CheckResult summarizes one scope's consistency check.
type CheckResult struct {
	ScopeID         string
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// Checker validates that a scope's metadata store, BM25 index, and
// vector store agree on which chunk IDs exist.
type Checker struct {
	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
}

// NewChecker builds a Checker over the three stores backing one scope.
func NewChecker(metadata store.MetadataStore, bm25 store.BM25Index, vector store.VectorStore) *Checker {
	return &Checker{metadata: metadata, bm25: bm25, vector: vector}
}

// scopeChunkIDs walks every file metadata record for scopeID and
// collects the chunk IDs belonging to each, since the metadata store
// has no single "list all chunk IDs" method — metadata is the source
// of truth, reached through its file index instead.
func (c *Checker) scopeChunkIDs(ctx context.Context, scopeID string) (map[string]bool, error) {
	files, err := c.metadata.ListFileMetadata(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool)
	for _, f := range files {
		chunks, err := c.metadata.GetChunksByPath(ctx, scopeID, f.Path)
		if err != nil {
			return nil, err
		}
		for _, ch := range chunks {
			ids[ch.ID] = true
		}
	}
	return ids, nil
}

// Check scans all three stores for scopeID and reports every
// inconsistency found. O(n) in the scope's total chunk/index entry
// count.
func (c *Checker) Check(ctx context.Context, scopeID string) (*CheckResult, error) {
	start := time.Now()

	metadataIDs, err := c.scopeChunkIDs(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	bm25IDs, err := c.bm25.AllIDs()
	if err != nil {
		slog.Warn("consistency check: failed to list BM25 IDs", slog.String("scope_id", scopeID), slog.String("error", err.Error()))
	}
	vectorIDs := c.vector.AllIDs()

	bm25Set := make(map[string]bool, len(bm25IDs))
	for _, id := range bm25IDs {
		bm25Set[id] = true
	}
	vectorSet := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		vectorSet[id] = true
	}

	var issues []Inconsistency
	for _, id := range bm25IDs {
		if !metadataIDs[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanBM25, ChunkID: id, Details: "BM25 entry without matching metadata"})
		}
	}
	for _, id := range vectorIDs {
		if !metadataIDs[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanVector, ChunkID: id, Details: "vector entry without matching metadata"})
		}
	}
	for id := range metadataIDs {
		if !bm25Set[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingBM25, ChunkID: id, Details: "metadata entry missing from BM25 index"})
		}
		if !vectorSet[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingVector, ChunkID: id, Details: "metadata entry missing from vector store"})
		}
	}

	return &CheckResult{
		ScopeID:         scopeID,
		Checked:         len(metadataIDs),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}, nil
}

// Repair deletes orphaned entries from BM25/vector (best-effort) and
// logs a warning for missing entries, which require a rebuild to fix
// since the metadata record is the source of truth and there is no
// chunk content left to re-derive an embedding or keyword doc from.
func (c *Checker) Repair(ctx context.Context, issues []Inconsistency) error {
	var orphanBM25, orphanVector []string
	var missing int

	for _, issue := range issues {
		switch issue.Type {
		case InconsistencyOrphanBM25:
			orphanBM25 = append(orphanBM25, issue.ChunkID)
		case InconsistencyOrphanVector:
			orphanVector = append(orphanVector, issue.ChunkID)
		case InconsistencyMissingBM25, InconsistencyMissingVector:
			missing++
		}
	}

	if len(orphanBM25) > 0 {
		if err := c.bm25.Delete(ctx, orphanBM25); err != nil {
			slog.Warn("failed to delete orphan BM25 entries", slog.Int("count", len(orphanBM25)), slog.String("error", err.Error()))
		} else {
			slog.Info("deleted orphan BM25 entries", slog.Int("count", len(orphanBM25)))
		}
	}
	if len(orphanVector) > 0 {
		if err := c.vector.Delete(ctx, orphanVector); err != nil {
			slog.Warn("failed to delete orphan vector entries", slog.Int("count", len(orphanVector)), slog.String("error", err.Error()))
		} else {
			slog.Info("deleted orphan vector entries", slog.Int("count", len(orphanVector)))
		}
	}
	if missing > 0 {
		slog.Warn("index has missing entries, rebuild required", slog.Int("missing_count", missing))
	}
	return nil
}

// QuickCheck does a cheap count-only comparison across the three
// stores, for a doctor/health-check path that shouldn't pay the full
// per-ID walk's cost.
func (c *Checker) QuickCheck(ctx context.Context, scopeID string) (bool, error) {
	metadataIDs, err := c.scopeChunkIDs(ctx, scopeID)
	if err != nil {
		return false, err
	}
	bm25IDs, err := c.bm25.AllIDs()
	if err != nil {
		return false, err
	}
	vectorCount := c.vector.Count()
	return len(metadataIDs) == len(bm25IDs) && len(metadataIDs) == vectorCount, nil
}
