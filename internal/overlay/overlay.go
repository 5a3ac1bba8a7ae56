// Package overlay implements the OverlayStore (MergedVectorStore)
// collaborator of spec.md §4.5: a read-only base index composed with a
// writable overlay, plus the staleness bookkeeping that decides when
// the overlay needs rebuilding.
package overlay

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kb-forge/coreengine/internal/chunk"
	"github.com/kb-forge/coreengine/internal/gitscan"
	"github.com/kb-forge/coreengine/internal/store"
)

// Staleness is the three-level taxonomy of §9: fresh < soft-stale <
// hard-stale. Ordering matters — Worst() picks the numerically larger
// value when aggregating across sub-queries (§4.9).
type Staleness int

const (
	Fresh Staleness = iota
	SoftStale
	HardStale
)

// Worst returns the more severe of two staleness levels.
func Worst(a, b Staleness) Staleness {
	if a > b {
		return a
	}
	return b
}

// Config controls rebuild timing.
type Config struct {
	TTL time.Duration
}

// DefaultConfig returns the overlay's default rebuild TTL.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute}
}

// Store composes a read-only base store.VectorStore with a writable
// overlay store.VectorStore, tracking deleted/modified path masks.
// It holds no back-reference to whatever manages it (REDESIGN FLAGS
// §9: "cyclic OverlayManager<->MergedStore references" avoided by
// capturing immutable snapshots at query time).
type Store struct {
	base    store.VectorStore
	overlay store.VectorStore

	baseBM25    store.BM25Index
	overlayBM25 store.BM25Index

	deletedPaths  map[string]struct{}
	modifiedPaths map[string]struct{}

	baseRevision string
	builtAt      time.Time
	cfg          Config

	// nudged is set by a live filesystem watcher (internal/watcher) to
	// force NeedsRebuild stale early instead of waiting out cfg.TTL.
	nudged atomic.Bool
}

// New composes base and overlay stores with their matching BM25
// indexes into a single merged view.
func New(base, overlayStore store.VectorStore, baseBM25, overlayBM25 store.BM25Index, baseRevision string, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		base:          base,
		overlay:       overlayStore,
		baseBM25:      baseBM25,
		overlayBM25:   overlayBM25,
		deletedPaths:  make(map[string]struct{}),
		modifiedPaths: make(map[string]struct{}),
		baseRevision:  baseRevision,
		builtAt:       time.Now(),
		cfg:           cfg,
	}
}

// MarkDeleted records a path as deleted from the overlay's perspective;
// matching base results are dropped from Search.
func (s *Store) MarkDeleted(paths ...string) {
	for _, p := range paths {
		s.deletedPaths[p] = struct{}{}
		delete(s.modifiedPaths, p)
	}
}

// MarkModified records a path as superseded by an overlay chunk.
func (s *Store) MarkModified(paths ...string) {
	for _, p := range paths {
		s.modifiedPaths[p] = struct{}{}
	}
}

// scored pairs a chunk ID with its merged score and source path, used
// internally while fusing base and overlay results.
type scored struct {
	id    string
	path  string
	score float64
}

// Search implements the §4.5 fan-out/filter/merge policy: over-fetch
// from base, drop anything shadowed by the overlay, merge, sort, and
// truncate to limit.
func (s *Store) Search(ctx context.Context, query []float32, limit int, pathOf func(chunkID string) string) ([]store.VectorResult, error) {
	overfetch := limit * 2
	if overfetch < limit {
		overfetch = limit
	}

	baseResults, err := s.base.Search(ctx, query, overfetch)
	if err != nil {
		return nil, err
	}
	overlayResults, err := s.overlay.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	shadowed := make(map[string]struct{}, len(s.deletedPaths)+len(s.modifiedPaths))
	for p := range s.deletedPaths {
		shadowed[p] = struct{}{}
	}
	for p := range s.modifiedPaths {
		shadowed[p] = struct{}{}
	}
	for _, r := range overlayResults {
		if pathOf != nil {
			shadowed[pathOf(r.ID)] = struct{}{}
		}
	}

	merged := make([]store.VectorResult, 0, len(baseResults)+len(overlayResults))
	for _, r := range baseResults {
		if pathOf != nil {
			if _, skip := shadowed[pathOf(r.ID)]; skip {
				continue
			}
		}
		merged = append(merged, *r)
	}
	for _, r := range overlayResults {
		merged = append(merged, *r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// SearchBM25 implements the §4.5 fan-out/filter/merge policy for the
// keyword half of hybrid gather, mirroring Search's vector-side
// treatment of deleted/modified path masks. docIDs from the BM25
// index are chunk IDs, so the same pathOf lookup used for vector
// shadowing applies unchanged.
func (s *Store) SearchBM25(ctx context.Context, query string, limit int, pathOf func(chunkID string) string) ([]store.BM25Result, error) {
	overfetch := limit * 2
	if overfetch < limit {
		overfetch = limit
	}

	baseResults, err := s.baseBM25.Search(ctx, query, overfetch)
	if err != nil {
		return nil, err
	}
	overlayResults, err := s.overlayBM25.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	shadowed := make(map[string]struct{}, len(s.deletedPaths)+len(s.modifiedPaths))
	for p := range s.deletedPaths {
		shadowed[p] = struct{}{}
	}
	for p := range s.modifiedPaths {
		shadowed[p] = struct{}{}
	}
	for _, r := range overlayResults {
		if pathOf != nil {
			shadowed[pathOf(r.DocID)] = struct{}{}
		}
	}

	merged := make([]store.BM25Result, 0, len(baseResults)+len(overlayResults))
	for _, r := range baseResults {
		if pathOf != nil {
			if _, skip := shadowed[pathOf(r.DocID)]; skip {
				continue
			}
		}
		merged = append(merged, *r)
	}
	for _, r := range overlayResults {
		merged = append(merged, *r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].DocID < merged[j].DocID
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Upsert writes chunks to the overlay only (§4.5 write policy: overlay
// targets every mutating operation, base is never written after the
// initial full build).
func (s *Store) Upsert(ctx context.Context, chunks []chunk.Chunk, vectors [][]float32) error {
	ids := make([]string, len(chunks))
	paths := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		paths[i] = c.Path
	}
	if err := s.overlay.Add(ctx, ids, vectors); err != nil {
		return err
	}
	s.MarkModified(paths...)
	return nil
}

// NeedsRebuild implements the OverlayManager staleness rule of §4.5:
// rebuild when the TTL has expired, the base revision has moved, or
// there is a non-empty git diff since the base revision. Uncommitted
// changes are unioned with the committed diff.
func (s *Store) NeedsRebuild(ctx context.Context, detector *gitscan.Detector) (bool, Staleness, error) {
	if s.nudged.Load() {
		return true, SoftStale, nil
	}
	if time.Since(s.builtAt) > s.cfg.TTL {
		return true, SoftStale, nil
	}

	head, err := detector.HeadRevision(ctx)
	if err != nil {
		return false, Fresh, err
	}
	if head != s.baseRevision {
		return true, HardStale, nil
	}

	diff, err := detector.DiffNameStatus(ctx, s.baseRevision, head)
	if err != nil {
		return false, Fresh, err
	}
	working, err := detector.WorkingTreeStatus(ctx)
	if err != nil {
		return false, Fresh, err
	}
	if len(diff) > 0 || len(working) > 0 {
		return true, SoftStale, nil
	}
	return false, Fresh, nil
}

// BaseRevision returns the git revision the base index was built from.
func (s *Store) BaseRevision() string { return s.baseRevision }

// Notify marks the overlay stale immediately, the hook a live
// filesystem watcher calls on a raw fs event so NeedsRebuild reports
// soft-stale well before cfg.TTL would otherwise elapse. Safe for
// concurrent use; a fresh Store (built by the next real rebuild)
// starts unnudged.
func (s *Store) Notify() {
	s.nudged.Store(true)
}
