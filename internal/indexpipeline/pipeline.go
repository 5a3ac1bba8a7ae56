// Package indexpipeline implements the indexing pipeline (spec.md §3/§5):
// discovery -> registry filtering -> incremental (mtime/hash) filtering ->
// parallel chunking -> embedding -> storage, producing IndexingStats.
// Run holds a gofrs/flock cross-process exclusive lock over the whole
// build when Config.DataDir is set, the lock-guarded run lifecycle the
// teacher's internal/async.BackgroundIndexer used adapted here into a
// synchronous call instead of a background goroutine. Discovery
// filtering is grounded on internal/gitignore.Matcher.
package indexpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/kb-forge/coreengine/internal/chunk"
	"github.com/kb-forge/coreengine/internal/embedprovider"
	amerrors "github.com/kb-forge/coreengine/internal/errors"
	"github.com/kb-forge/coreengine/internal/gitignore"
	"github.com/kb-forge/coreengine/internal/memguard"
	"github.com/kb-forge/coreengine/internal/ratelimit"
	"github.com/kb-forge/coreengine/internal/store"
)

// buildLockTimeout bounds how long Run waits to acquire the cross-process
// index build lock before giving up.
const buildLockTimeout = 200 * time.Millisecond

// embedRetryConfig bounds the exponential backoff applied around a single
// embed batch call, short enough not to stall indexing while still riding
// out a momentary provider hiccup.
var embedRetryConfig = amerrors.RetryConfig{
	MaxRetries:   2,
	InitialDelay: 20 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Multiplier:   2.0,
	Jitter:       true,
}

// charsPerToken approximates the ceil(len/4) estimator used throughout
// spec.md (§4.12's compressor uses the same ratio).
const charsPerToken = 4

// DefaultEmbedBatchTokenBudget caps an embedding batch at roughly
// 100k tokens' worth of characters, matching the §5 expansion note on
// token-aware batch sizing.
const DefaultEmbedBatchTokenBudget = 100_000

// Config wires every collaborator the pipeline depends on.
type Config struct {
	ScopeID  string
	SourceID string
	RootDir  string

	// DataDir is the scope's data directory; when set, Run acquires a
	// cross-process exclusive lock at <DataDir>/index.lock around the
	// whole build so two concurrent `index` invocations against the
	// same scope can't interleave writes and corrupt the overlay. When
	// empty (e.g. tests running a single in-process Pipeline), locking
	// is skipped.
	DataDir string

	Registry *chunk.ChunkerRegistry
	Queue    *memguard.MemoryAwareQueue
	Limiter  *ratelimit.Limiter
	Embedder embedprovider.EmbeddingProvider

	Metadata store.MetadataStore
	Vectors  store.VectorStore
	BM25     store.BM25Index

	EmbedBatchTokenBudget int
}

func (c *Config) setDefaults() {
	if c.EmbedBatchTokenBudget <= 0 {
		c.EmbedBatchTokenBudget = DefaultEmbedBatchTokenBudget
	}
}

// Stats summarizes a single indexing run.
type Stats struct {
	FilesDiscovered int
	FilesFiltered   int
	FilesSkipped    int // unchanged since the last run; neither chunked nor embedded
	ChunksProduced  int
	ChunksEmbedded  int
	ChunksSkipped   int
	EmbedBatches    int
	DurationMillis  int64
}

// Pipeline runs the full indexing flow for a single scope.
type Pipeline struct {
	cfg     Config
	breaker *amerrors.CircuitBreaker
}

// New builds a Pipeline from a fully-populated Config.
func New(cfg Config) *Pipeline {
	cfg.setDefaults()
	return &Pipeline{
		cfg:     cfg,
		breaker: amerrors.NewCircuitBreaker("indexpipeline.embedder"),
	}
}

// discover walks RootDir collecting candidate file paths, respecting
// .gitignore content the way internal/gitignore.Matcher already does
// for the teacher's file watcher.
func (p *Pipeline) discover() ([]string, error) {
	matcher := gitignore.New()
	if content, err := os.ReadFile(filepath.Join(p.cfg.RootDir, ".gitignore")); err == nil {
		for _, pattern := range gitignore.ParsePatterns(string(content)) {
			matcher.AddPattern(pattern)
		}
	}

	var paths []string
	err := filepath.WalkDir(p.cfg.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(p.cfg.RootDir, path)
		if relErr != nil {
			rel = path
		}
		if d.IsDir() {
			if rel != "." && matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Match(rel, false) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexpipeline: discover: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// filter drops paths the chunker registry has no chunker for.
func (p *Pipeline) filter(paths []string) []string {
	filtered := make([]string, 0, len(paths))
	for _, path := range paths {
		if p.cfg.Registry.Select(path) != nil {
			filtered = append(filtered, path)
		}
	}
	return filtered
}

// incrementalFilter applies the two-tier incremental check (§4.3 stage 2)
// on top of the registry filter: a quick mtime/size comparison against the
// previous run's FileMetadata, falling back to a SHA-256 recompute only
// when mtime or size moved, before a file is actually treated as changed.
// Paths with no prior record, or whose content hash differs from the
// stored one, are kept for chunking; everything else is reported as
// skipped. changed carries the rel paths of files that DID have a prior
// record but whose content changed, so Run can evict their stale chunks
// before re-chunking. pending carries the FileMetadata to persist once
// the run succeeds, for both skipped files whose mtime moved without a
// content change and files that were actually re-chunked.
func (p *Pipeline) incrementalFilter(ctx context.Context, paths []string) (kept, changed []string, pending []*store.FileMetadata, skipped int, err error) {
	if p.cfg.Metadata == nil {
		return paths, nil, nil, 0, nil
	}

	kept = make([]string, 0, len(paths))
	pending = make([]*store.FileMetadata, 0, len(paths))

	for _, path := range paths {
		rel, relErr := filepath.Rel(p.cfg.RootDir, path)
		if relErr != nil {
			rel = path
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			kept = append(kept, path)
			continue
		}

		prior, getErr := p.cfg.Metadata.GetFileMetadata(ctx, p.cfg.ScopeID, rel)
		hasPrior := getErr == nil && prior != nil

		if hasPrior && prior.Size == info.Size() && prior.Mtime.Equal(info.ModTime()) {
			skipped++
			continue
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			kept = append(kept, path)
			continue
		}
		sum := sha256.Sum256(content)
		hash := hex.EncodeToString(sum[:])

		meta := &store.FileMetadata{
			Path:     rel,
			Mtime:    info.ModTime(),
			Size:     info.Size(),
			Hash:     hash,
			SourceID: p.cfg.SourceID,
		}

		if hasPrior && prior.Hash == hash {
			// mtime moved but content didn't; refresh the stat, skip the work.
			skipped++
			pending = append(pending, meta)
			continue
		}

		kept = append(kept, path)
		pending = append(pending, meta)
		if hasPrior {
			changed = append(changed, rel)
		}
	}

	return kept, changed, pending, skipped, nil
}

// evictStale removes chunks, vectors, and BM25 postings left over from the
// previous version of each changed file so a re-index doesn't accumulate
// duplicate entries for content that no longer exists.
func (p *Pipeline) evictStale(ctx context.Context, relPaths []string) error {
	if p.cfg.Metadata == nil || len(relPaths) == 0 {
		return nil
	}

	var staleIDs []string
	for _, rel := range relPaths {
		chunks, err := p.cfg.Metadata.GetChunksByPath(ctx, p.cfg.ScopeID, rel)
		if err != nil {
			return fmt.Errorf("indexpipeline: load stale chunks for %s: %w", rel, err)
		}
		for _, c := range chunks {
			staleIDs = append(staleIDs, c.ID)
		}
		if err := p.cfg.Metadata.DeleteChunksByPath(ctx, p.cfg.ScopeID, rel); err != nil {
			return fmt.Errorf("indexpipeline: delete stale chunks for %s: %w", rel, err)
		}
	}

	if len(staleIDs) == 0 {
		return nil
	}
	if p.cfg.Vectors != nil {
		if err := p.cfg.Vectors.Delete(ctx, staleIDs); err != nil {
			return fmt.Errorf("indexpipeline: delete stale vectors: %w", err)
		}
	}
	if p.cfg.BM25 != nil {
		if err := p.cfg.BM25.Delete(ctx, staleIDs); err != nil {
			return fmt.Errorf("indexpipeline: delete stale bm25 postings: %w", err)
		}
	}
	return nil
}

type chunkResult struct {
	chunks []*chunk.Chunk
	err    error
}

// chunkFiles runs chunking for every filtered path through the
// memory-aware queue (§4.2), so heap pressure backs off concurrency
// without the caller managing a worker pool directly.
func (p *Pipeline) chunkFiles(ctx context.Context, paths []string) ([]*chunk.Chunk, error) {
	results := make([]chunkResult, len(paths))
	tasks := make([]memguard.Task, len(paths))

	for i, path := range paths {
		i, path := i, path
		tasks[i] = memguard.Task{
			Run: func(ctx context.Context) error {
				content, err := os.ReadFile(path)
				if err != nil {
					results[i] = chunkResult{err: err}
					return nil // a single unreadable file must not fail the whole run
				}
				rel, relErr := filepath.Rel(p.cfg.RootDir, path)
				if relErr != nil {
					rel = path
				}
				input := &chunk.FileInput{
					ScopeID:  p.cfg.ScopeID,
					SourceID: p.cfg.SourceID,
					Path:     rel,
					Content:  content,
				}
				chunks, cerr := p.cfg.Registry.Chunk(ctx, input)
				results[i] = chunkResult{chunks: chunks, err: cerr}
				return nil
			},
		}
		if info, err := os.Stat(path); err == nil {
			tasks[i].Estimate = uint64(info.Size()) * 4 // rough in-memory multiplier for AST/chunk overhead
		}
	}

	if p.cfg.Queue != nil {
		if err := p.cfg.Queue.Run(ctx, tasks); err != nil {
			return nil, fmt.Errorf("indexpipeline: chunk stage: %w", err)
		}
	} else {
		for _, t := range tasks {
			if err := t.Run(ctx); err != nil {
				return nil, err
			}
		}
	}

	var all []*chunk.Chunk
	for _, r := range results {
		if r.err != nil {
			continue
		}
		all = append(all, r.chunks...)
	}
	return all, nil
}

// embedBatches groups chunks into token-budgeted batches and embeds
// each one, applying the rate limiter around every call. A poisoned
// input is dropped only when the provider's InvalidInputError names its
// index; the batch is not bisected, so an error without a usable index
// fails the run.
func (p *Pipeline) embedBatches(ctx context.Context, chunks []*chunk.Chunk) (int, int, error) {
	batches := batchByTokenBudget(chunks, p.cfg.EmbedBatchTokenBudget, p.cfg.Embedder.MaxBatchSize())

	embedded := 0
	skipped := 0
	for _, batch := range batches {
		vectors, err := p.embedWithRecovery(ctx, batch)
		if err != nil {
			return embedded, skipped, err
		}
		for i := range batch {
			if vectors[i] == nil {
				skipped++
				continue
			}
			batch[i].Embedding = vectors[i]
			embedded++
		}
	}
	return embedded, skipped, nil
}

// embedWithRecovery embeds a batch, and on an embedprovider.InvalidInputError
// drops the offending chunk and retries the remainder rather than
// failing the whole batch.
func (p *Pipeline) embedWithRecovery(ctx context.Context, batch []*chunk.Chunk) ([][]float32, error) {
	out := make([][]float32, len(batch))
	remaining := make([]int, len(batch))
	for i := range batch {
		remaining[i] = i
	}

	for len(remaining) > 0 {
		texts := make([]string, len(remaining))
		for i, idx := range remaining {
			texts[i] = batch[idx].Text
		}

		estimate := 0
		for _, t := range texts {
			estimate += int(math.Ceil(float64(len(t)) / charsPerToken))
		}
		if p.cfg.Limiter != nil {
			if err := p.cfg.Limiter.Acquire(ctx, estimate); err != nil {
				return nil, fmt.Errorf("indexpipeline: rate limit: %w", err)
			}
		}

		vectors, err := p.embedBatchGuarded(ctx, texts)
		if p.cfg.Limiter != nil {
			p.cfg.Limiter.Release()
		}
		if err == nil {
			for i, idx := range remaining {
				out[idx] = vectors[i]
			}
			return out, nil
		}

		invalid := asInvalidInput(err)
		if invalid == nil || invalid.Index < 0 || invalid.Index >= len(remaining) {
			return nil, fmt.Errorf("indexpipeline: embed batch: %w", err)
		}

		poisoned := remaining[invalid.Index]
		out[poisoned] = nil
		remaining = append(remaining[:invalid.Index], remaining[invalid.Index+1:]...)
	}
	return out, nil
}

// embedBatchGuarded wraps a single embedder call with exponential backoff
// for transient failures and a circuit breaker that trips after repeated
// failures, so a wedged provider fails fast for the rest of the run
// instead of every remaining batch paying the full retry cost.
func (p *Pipeline) embedBatchGuarded(ctx context.Context, texts []string) ([][]float32, error) {
	return amerrors.CircuitExecuteWithResult(p.breaker,
		func() ([][]float32, error) {
			return amerrors.RetryWithResult(ctx, embedRetryConfig, func() ([][]float32, error) {
				return p.cfg.Embedder.EmbedBatch(ctx, texts)
			})
		},
		func() ([][]float32, error) {
			return nil, amerrors.ErrCircuitOpen
		},
	)
}

func asInvalidInput(err error) *embedprovider.InvalidInputError {
	for err != nil {
		if ie, ok := err.(*embedprovider.InvalidInputError); ok {
			return ie
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// batchByTokenBudget groups chunks so each batch stays within both the
// token budget and the provider's max batch size.
func batchByTokenBudget(chunks []*chunk.Chunk, tokenBudget, maxBatchSize int) [][]*chunk.Chunk {
	if maxBatchSize <= 0 {
		maxBatchSize = len(chunks)
	}

	var batches [][]*chunk.Chunk
	var current []*chunk.Chunk
	currentTokens := 0

	for _, c := range chunks {
		tokens := int(math.Ceil(float64(len(c.Text)) / charsPerToken))
		if len(current) > 0 && (currentTokens+tokens > tokenBudget || len(current) >= maxBatchSize) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, c)
		currentTokens += tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// persist writes chunks + vectors into the metadata/vector/BM25 stores,
// deduping by chunk ID within the run.
func (p *Pipeline) persist(ctx context.Context, chunks []*chunk.Chunk) error {
	seen := make(map[string]struct{}, len(chunks))
	deduped := make([]*chunk.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		deduped = append(deduped, c)
	}

	if p.cfg.Metadata != nil {
		if err := p.cfg.Metadata.SaveChunks(ctx, deduped); err != nil {
			return fmt.Errorf("indexpipeline: save chunks: %w", err)
		}
	}

	if p.cfg.Vectors != nil {
		ids := make([]string, 0, len(deduped))
		vectors := make([][]float32, 0, len(deduped))
		for _, c := range deduped {
			if c.Embedding == nil {
				continue
			}
			ids = append(ids, c.ID)
			vectors = append(vectors, c.Embedding)
		}
		if len(ids) > 0 {
			if err := p.cfg.Vectors.Add(ctx, ids, vectors); err != nil {
				return fmt.Errorf("indexpipeline: add vectors: %w", err)
			}
		}
	}

	if p.cfg.BM25 != nil {
		docs := make([]*store.Document, len(deduped))
		for i, c := range deduped {
			docs[i] = &store.Document{ID: c.ID, Content: c.Text}
		}
		if err := p.cfg.BM25.Index(ctx, docs); err != nil {
			return fmt.Errorf("indexpipeline: index bm25: %w", err)
		}
	}

	return nil
}

// Run executes the full pipeline and returns aggregate stats.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	if p.cfg.DataDir != "" {
		buildLock := flock.New(filepath.Join(p.cfg.DataDir, "index.lock"))
		locked, err := buildLock.TryLockContext(ctx, buildLockTimeout)
		if err != nil {
			return stats, fmt.Errorf("indexpipeline: acquire build lock: %w", err)
		}
		if !locked {
			return stats, fmt.Errorf("indexpipeline: index build lock held by another process for scope %q", p.cfg.ScopeID)
		}
		defer func() { _ = buildLock.Unlock() }()
	}

	start := time.Now()

	discovered, err := p.discover()
	if err != nil {
		return stats, err
	}
	stats.FilesDiscovered = len(discovered)

	filtered := p.filter(discovered)
	stats.FilesFiltered = len(filtered)

	kept, changed, pendingMeta, skippedFiles, err := p.incrementalFilter(ctx, filtered)
	if err != nil {
		return stats, err
	}
	stats.FilesSkipped = skippedFiles

	if err := p.evictStale(ctx, changed); err != nil {
		return stats, err
	}

	chunks, err := p.chunkFiles(ctx, kept)
	if err != nil {
		return stats, err
	}
	stats.ChunksProduced = len(chunks)

	if p.cfg.Embedder != nil {
		embedded, skipped, err := p.embedBatches(ctx, chunks)
		if err != nil {
			return stats, err
		}
		stats.ChunksEmbedded = embedded
		stats.ChunksSkipped = skipped
		stats.EmbedBatches = len(batchByTokenBudget(chunks, p.cfg.EmbedBatchTokenBudget, p.cfg.Embedder.MaxBatchSize()))
	}

	if err := p.persist(ctx, chunks); err != nil {
		return stats, err
	}

	if p.cfg.Metadata != nil && len(pendingMeta) > 0 {
		if err := p.cfg.Metadata.SaveFileMetadata(ctx, p.cfg.ScopeID, pendingMeta); err != nil {
			return stats, fmt.Errorf("indexpipeline: save file metadata: %w", err)
		}
	}

	stats.DurationMillis = time.Since(start).Milliseconds()
	return stats, nil
}
