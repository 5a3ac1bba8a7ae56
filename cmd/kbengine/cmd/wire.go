package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kb-forge/coreengine/internal/chunk"
	"github.com/kb-forge/coreengine/internal/config"
	"github.com/kb-forge/coreengine/internal/daemon"
	"github.com/kb-forge/coreengine/internal/embed"
	"github.com/kb-forge/coreengine/internal/embedprovider"
	"github.com/kb-forge/coreengine/internal/gitscan"
	"github.com/kb-forge/coreengine/internal/llmprovider"
	"github.com/kb-forge/coreengine/internal/memguard"
	"github.com/kb-forge/coreengine/internal/overlay"
	"github.com/kb-forge/coreengine/internal/query/cache"
	"github.com/kb-forge/coreengine/internal/ratelimit"
	"github.com/kb-forge/coreengine/internal/retrieval"
	"github.com/kb-forge/coreengine/internal/store"
	"github.com/kb-forge/coreengine/internal/vectorbackend"
	"github.com/kb-forge/coreengine/internal/orchestrator"
)

// scope bundles every live component a single CLI invocation needs
// against one workspace scope: the stores indexing writes to and the
// Orchestrator queries read from, plus collaborators indexCmd reuses
// directly (registry, queue, limiter, embedder).
type scope struct {
	ScopeID  string
	RootDir  string
	DataDir  string

	Config   *config.Config
	Metadata store.MetadataStore
	Vector   store.VectorStore
	BM25     store.BM25Index
	Embedder embedprovider.EmbeddingProvider
	LLM      llmprovider.LLMProvider
	Detector *gitscan.Detector

	Registry *chunk.ChunkerRegistry
	Queue    *memguard.MemoryAwareQueue
	Limiter  *ratelimit.Limiter

	Overlay      *overlay.Store
	Orchestrator *orchestrator.Orchestrator
}

// openScope loads (creating if absent) the on-disk stores for a scope
// and wires every collaborator the query path needs around them,
// mirroring the role internal/daemon.ScopeLoader plays for a
// long-lived daemon process: wiring an Orchestrator for a single CLI
// invocation instead of a persistent one.
func openScope(ctx context.Context, withLLM bool) (*scope, error) {
	root, err := filepath.Abs(flags.workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	scopeID := flags.resolveScope()
	dataDir := flags.resolveDataDir(scopeID)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	metadata, err := store.NewSQLiteMetadataStore(filepath.Join(dataDir, "metadata.db"), store.DriverPure)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	dims := cfg.Embeddings.Dimensions
	if dims <= 0 {
		dims = embed.StaticDimensions
	}
	vector, err := vectorbackend.Open(vectorbackend.Config{
		Kind:  vectorbackend.KindHNSW,
		Store: store.DefaultVectorStoreConfig(dims),
	})
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if err := vector.Load(vectorPath); err != nil {
			_ = metadata.Close()
			return nil, fmt.Errorf("load vector store: %w", err)
		}
	}

	bm25, err := store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"), store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		_ = vector.Close()
		return nil, fmt.Errorf("open bm25 index: %w", err)
	}

	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		_ = metadata.Close()
		_ = vector.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	var llm llmprovider.LLMProvider
	if withLLM {
		candidate := llmprovider.NewOllamaProvider(llmprovider.DefaultOllamaConfig())
		if candidate.Available(ctx) {
			llm = candidate
		}
	}

	detector := gitscan.New(root)

	s := &scope{
		ScopeID:  scopeID,
		RootDir:  root,
		DataDir:  dataDir,
		Config:   cfg,
		Metadata: metadata,
		Vector:   vector,
		BM25:     bm25,
		Embedder: embedder,
		LLM:      llm,
		Detector: detector,
		Registry: chunk.NewChunkerRegistry(),
		Queue:    memguard.NewMemoryAwareQueue(memguard.QueueConfig{}),
		Limiter:  ratelimit.New(ratelimit.Tier1),
	}

	ov := overlay.New(vector, vector, bm25, bm25, "", overlay.DefaultConfig())
	pathOf := func(chunkID string) string {
		c, err := metadata.GetChunk(ctx, chunkID)
		if err != nil || c == nil {
			return ""
		}
		return c.Path
	}
	retriever := retrieval.New(ov, embedder, pathOf, detector)
	lookup := func(chunkID string) *chunk.Chunk {
		c, err := metadata.GetChunk(ctx, chunkID)
		if err != nil {
			return nil
		}
		return c
	}
	s.Overlay = ov
	s.Orchestrator = orchestrator.New(retriever, lookup, llm, cache.New(cfg.Performance.CacheSize))

	return s, nil
}

// buildEmbedder selects an embedding provider per cfg.Embeddings.Provider,
// defaulting to the offline static adapter so kbengine works without a
// running Ollama daemon (matching the teacher's test-time default).
func buildEmbedder(ctx context.Context, cfg *config.Config) (embedprovider.EmbeddingProvider, error) {
	switch cfg.Embeddings.Provider {
	case "ollama":
		ollamaCfg := embed.OllamaConfig{
			Host:       cfg.Embeddings.OllamaHost,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			BatchSize:  cfg.Embeddings.BatchSize,
		}
		inner, err := embed.NewOllamaEmbedder(ctx, ollamaCfg)
		if err != nil {
			return nil, err
		}
		batchSize := cfg.Embeddings.BatchSize
		if batchSize <= 0 {
			batchSize = 32
		}
		return embedprovider.NewOllamaAdapter(inner, batchSize), nil
	default:
		return embedprovider.NewStaticAdapter(), nil
	}
}

func (s *scope) Close() error {
	var err error
	if e := s.Metadata.Close(); e != nil {
		err = e
	}
	if e := s.Vector.Save(filepath.Join(s.DataDir, "vectors.hnsw")); e != nil && err == nil {
		err = e
	}
	if e := s.Vector.Close(); e != nil && err == nil {
		err = e
	}
	if e := s.BM25.Close(); e != nil && err == nil {
		err = e
	}
	s.Registry.Close()
	return err
}

// scopeState adapts scope into a daemon.ScopeState for reuse by the
// serve command's ScopeLoader.
func (s *scope) scopeState() *daemon.ScopeState {
	return &daemon.ScopeState{
		ScopeID:      s.ScopeID,
		Orchestrator: s.Orchestrator,
		Metadata:     s.Metadata,
		Vector:       s.Vector,
		Overlay:      s.Overlay,
		RootDir:      s.RootDir,
		DataDir:      s.DataDir,
	}
}
