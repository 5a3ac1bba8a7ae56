// Package retrieval adapts the overlay store (§4.5), an embedding
// provider, and a metadata store's chunk-path lookup into the narrow
// orchestrator.Retriever contract (§4.14): embed the query text once,
// fan out to the vector and keyword halves of the merged overlay
// view, and report the overlay's current staleness level. No other
// package in SPEC_FULL.md's §2 table owns this wiring, so it lives
// here rather than inside internal/orchestrator, which depends only
// on the Retriever interface, never a concrete implementation.
package retrieval

import (
	"context"
	"sync"

	"github.com/kb-forge/coreengine/internal/embedprovider"
	"github.com/kb-forge/coreengine/internal/gitscan"
	"github.com/kb-forge/coreengine/internal/overlay"
	"github.com/kb-forge/coreengine/internal/query/gatherer"
	"github.com/kb-forge/coreengine/internal/store"
)

// PathResolver resolves a chunk ID to the source file path it came
// from, used by the overlay's shadowing logic to suppress base
// results superseded by an overlay chunk. Backed by a
// store.MetadataStore in production.
type PathResolver func(chunkID string) string

// Retriever implements internal/orchestrator.Retriever by embedding
// the query once per call and merging the overlay's vector and BM25
// halves of the hybrid gather (§4.9).
type Retriever struct {
	Overlay  *overlay.Store
	Embedder embedprovider.EmbeddingProvider
	PathOf   PathResolver
	Detector *gitscan.Detector

	mu          sync.Mutex
	staleness   overlay.Staleness
	lastChecked bool
}

// New constructs a Retriever. Detector may be nil, in which case
// Staleness always reports overlay.Fresh (no git-diff-based rebuild
// signal available, e.g. in tests against an in-memory store).
func New(ov *overlay.Store, embedder embedprovider.EmbeddingProvider, pathOf PathResolver, detector *gitscan.Detector) *Retriever {
	return &Retriever{Overlay: ov, Embedder: embedder, PathOf: pathOf, Detector: detector}
}

// Search embeds query, fans out to the overlay's vector and keyword
// stores, and returns both halves for the gatherer to fuse (§4.9).
// Weights are accepted for interface compatibility with future
// provider-side weighting; the actual RRF fusion weighting happens in
// internal/query/gatherer.Gather, not here.
func (r *Retriever) Search(ctx context.Context, query string, weights gatherer.Weights, limit int) ([]*store.BM25Result, []*store.VectorResult, error) {
	if limit <= 0 {
		limit = 10
	}

	var (
		vectorResults []store.VectorResult
		bm25Results   []store.BM25Result
		vecErr, bmErr error
	)

	if r.Embedder != nil {
		vecs, err := r.Embedder.EmbedBatch(ctx, []string{query})
		if err != nil {
			vecErr = err
		} else if len(vecs) == 1 {
			vectorResults, vecErr = r.Overlay.Search(ctx, vecs[0], limit, r.pathOf)
		}
	}
	bm25Results, bmErr = r.Overlay.SearchBM25(ctx, query, limit, r.pathOf)

	if vecErr != nil && bmErr != nil {
		return nil, nil, vecErr
	}

	bm25Out := make([]*store.BM25Result, len(bm25Results))
	for i := range bm25Results {
		bm25Out[i] = &bm25Results[i]
	}
	vecOut := make([]*store.VectorResult, len(vectorResults))
	for i := range vectorResults {
		vecOut[i] = &vectorResults[i]
	}
	return bm25Out, vecOut, nil
}

func (r *Retriever) pathOf(chunkID string) string {
	if r.PathOf == nil {
		return ""
	}
	return r.PathOf(chunkID)
}

// Staleness reports the overlay's current three-level staleness
// (§9), recomputed via the git detector on first call and cached for
// the lifetime of the Retriever; callers that need a fresh check
// across a long-running process should construct a new Retriever
// after a rebuild (the orchestrator's context-consistency gate
// handles that invalidation via index_revision, not this cache).
func (r *Retriever) Staleness() overlay.Staleness {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastChecked {
		return r.staleness
	}
	r.lastChecked = true
	if r.Detector == nil {
		r.staleness = overlay.Fresh
		return r.staleness
	}
	_, level, err := r.Overlay.NeedsRebuild(context.Background(), r.Detector)
	if err != nil {
		r.staleness = overlay.SoftStale
		return r.staleness
	}
	r.staleness = level
	return r.staleness
}
