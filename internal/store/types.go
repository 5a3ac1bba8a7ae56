// Package store provides vector storage (HNSW), keyword search (BM25/FTS),
// and metadata persistence (SQLite) — the persistence layer for all indexed
// data, scoped by (scope_id, index_revision) per spec §3.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kb-forge/coreengine/internal/chunk"
)

// FileMetadata tracks a single source file for incremental filtering (§3):
// a file is re-chunked only when its hash or mtime changes.
type FileMetadata struct {
	Path     string
	Mtime    time.Time
	Size     int64
	Hash     string
	SourceID string
}

// ManifestStats summarizes a built index, carried in IndexManifest.
type ManifestStats struct {
	TotalChunks       int
	TotalFiles        int
	EmbeddingModel    string
	EmbeddingDimension int
	IndexTimeMs       int64
}

// ManifestStorage describes where the built index artifacts live.
type ManifestStorage struct {
	Type     string // "sqlite+hnsw", etc.
	Location string
	SHA256   string
	SizeBytes int64
}

// IndexManifest is the per-scope descriptor written atomically at the end
// of a successful build (§3). Replacing a Manifest invalidates every
// QueryCache entry bound to the prior IndexRevision.
type IndexManifest struct {
	ManifestVersion  string
	IndexRevision    string
	BuiltAt          time.Time
	GitRevision      string
	Branch           string
	EngineConfigHash string
	SourcesDigest    string
	Stats            ManifestStats
	Storage          ManifestStorage
}

// OverlayState is the persisted record of a scope's overlay vs. its base
// revision (§3): which paths changed or were deleted since the base build.
type OverlayState struct {
	BaseRevision   string
	BuiltAt        time.Time
	ModifiedPaths  []string
	DeletedPaths   []string
	ChunkCount     int
}

// QueryHistoryEntry records one executed query for session-scoped history
// and retrieval-quality telemetry (§3, §12 supplement).
type QueryHistoryEntry struct {
	QueryID       string
	QueryText     string
	QueryHash     string
	ScopeID       string
	Timestamp     time.Time
	QueryVector   []float32
	ResultChunkIDs []string
	TopChunkIDs   []string
}

// FeedbackKind enumerates how a FeedbackEntry's score was obtained.
type FeedbackKind string

const (
	FeedbackSelf     FeedbackKind = "self"
	FeedbackImplicit FeedbackKind = "implicit"
	FeedbackExplicit FeedbackKind = "explicit"
)

// FeedbackEntry records retrieval-quality feedback attached to a chunk
// returned for a given query (§3, §12 supplement).
type FeedbackEntry struct {
	FeedbackID string
	QueryID    string
	ChunkID    string
	ScopeID    string
	Type       FeedbackKind
	Score      float64
	Timestamp  time.Time
	Metadata   map[string]string
}

// IndexCheckpoint represents the saved state of an in-progress indexing
// build, enabling resume after an interrupted run.
type IndexCheckpoint struct {
	Stage         string // "scanning"|"chunking"|"embedding"|"indexing"|"complete"
	Total         int
	EmbeddedCount int
	Timestamp     time.Time
	EmbedderModel string
}

// MetadataStore persists FileMetadata, Chunks, the IndexManifest, and
// ancillary state in SQLite, scoped by scope_id.
type MetadataStore interface {
	// Manifest operations
	SaveManifest(ctx context.Context, scopeID string, m *IndexManifest) error
	GetManifest(ctx context.Context, scopeID string) (*IndexManifest, error)

	// File metadata operations (incremental filtering)
	SaveFileMetadata(ctx context.Context, scopeID string, files []*FileMetadata) error
	GetFileMetadata(ctx context.Context, scopeID, path string) (*FileMetadata, error)
	ListFileMetadata(ctx context.Context, scopeID string) ([]*FileMetadata, error)
	DeleteFileMetadata(ctx context.Context, scopeID string, paths []string) error

	// Chunk operations
	SaveChunks(ctx context.Context, chunks []*chunk.Chunk) error
	GetChunk(ctx context.Context, id string) (*chunk.Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]*chunk.Chunk, error)
	GetChunksByPath(ctx context.Context, scopeID, path string) ([]*chunk.Chunk, error)
	DeleteChunks(ctx context.Context, ids []string) error
	DeleteChunksByPath(ctx context.Context, scopeID, path string) error

	// Overlay state
	SaveOverlayState(ctx context.Context, scopeID string, s *OverlayState) error
	GetOverlayState(ctx context.Context, scopeID string) (*OverlayState, error)

	// Query history / feedback (§12 supplement)
	SaveQueryHistory(ctx context.Context, entry *QueryHistoryEntry) error
	SaveFeedback(ctx context.Context, entry *FeedbackEntry) error
	ListQueryHistory(ctx context.Context, scopeID string, limit int) ([]*QueryHistoryEntry, error)

	// State operations (key-value store for runtime state)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Checkpoint operations (resumable indexing)
	SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error
	LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error)
	ClearIndexCheckpoint(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Document represents a document to be indexed for keyword search.
type Document struct {
	ID      string // Chunk ID
	Content string // Text content
}

// BM25Result represents a single keyword-search result.
type BM25Result struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about the BM25 index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Index provides keyword search (the keyword half of hybrid gather,
// §4.9/§11).
type BM25Index interface {
	Index(ctx context.Context, docs []*Document) error
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)
	Delete(ctx context.Context, docIDs []string) error
	AllIDs() ([]string, error)
	Stats() *IndexStats
	Save(path string) error
	Load(path string) error
	Close() error
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	K1             float64
	B              float64
	StopWords      []string
	MinTokenLength int
}

// DefaultBM25Config returns default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultCodeStopWords,
		MinTokenLength: 2,
	}
}

// DefaultCodeStopWords contains programming keywords to filter out.
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       string
	Distance float32
	Score    float32
}

// VectorStoreConfig configures the vector store (§4.4). HNSWStore applies
// Dimensions, Metric, M and EfSearch; it keeps vectors as float32 and does
// not use Quantization or EfConstruction.
type VectorStoreConfig struct {
	Dimensions     int
	Quantization   string // "f32", "f16", "i8"
	Metric         string // "cos", "l2"
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultVectorStoreConfig returns sensible defaults for a vector store of
// the given dimension.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Quantization:   "f16",
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides scoped chunk storage: upsert/search/enumerate by
// fingerprint (§4.4).
type VectorStore interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	AllIDs() []string
	Contains(id string) bool
	Count() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates the query/insert vector dimension doesn't
// match the store's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (rebuild the index)", e.Expected, e.Got)
}

// CurrentSchemaVersion is the current metadata database schema version.
const CurrentSchemaVersion = 1
