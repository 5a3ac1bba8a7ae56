package chunk

import (
	"context"
	"time"
)

// Chunk size defaults (based on 2025 RAG research).
const (
	DefaultMaxChunkTokens = 512 // Optimal for 85-90% recall
	DefaultOverlapTokens  = 64  // ~12.5% overlap
	MinChunkTokens        = 100 // Minimum viable chunk
	TokensPerChar         = 4   // Rough approximation: 4 chars = 1 token

	// MaxLinesCode and MaxLinesDocs are the line-based fallback ceilings from
	// the chunking safety rule (spec §4.1): code 120, docs 80, with
	// min lines = 25% of max and a 20-line overlap.
	MaxLinesCode = 120
	MaxLinesDocs = 80
	OverlapLines = 20

	// MaxFileBytes rejects files larger than this before reading (§4.1).
	MaxFileBytes = 10 * 1024 * 1024
)

// Kind classifies the semantic category of a chunk's source file, feeding
// both the default source_trust weighting and the reranker's intent boosts.
type Kind string

const (
	KindCode   Kind = "code"
	KindDocs   Kind = "docs"
	KindADR    Kind = "adr"
	KindConfig Kind = "config"
	KindTest   Kind = "test"
	KindOther  Kind = "other"
)

// DefaultSourceTrust returns the default source_trust for a kind, per §3.
func DefaultSourceTrust(k Kind) float64 {
	switch k {
	case KindADR:
		return 0.9
	case KindDocs:
		return 0.8
	case KindConfig:
		return 0.75
	case KindCode:
		return 0.7
	case KindTest:
		return 0.65
	default:
		return 0.7
	}
}

// DocMetadata carries the extra fields §3 requires for doc-kind chunks.
type DocMetadata struct {
	DocID          string
	DocTitle       string
	DocSectionPath string
	TopicKey       string
	FreshnessScore float64
}

// Metadata is the typed record replacing an open string map, per the
// REDESIGN FLAGS note in spec.md §9: hot fields are named struct members,
// rare ones live in Extra.
type Metadata struct {
	Kind          Kind
	Language      string
	SourceTrust   float64
	FileHash      string
	FileMtime     time.Time
	IndexRevision string
	IndexedAt     time.Time

	// Doc is non-nil only for Kind == KindDocs chunks.
	Doc *DocMetadata

	// Extra holds rare, chunker-specific fields (e.g. markdown header path)
	// that don't warrant a dedicated struct field.
	Extra map[string]string
}

// Span is an inclusive 1-indexed line range.
type Span struct {
	StartLine int
	EndLine   int
}

// Chunk is the retrievable unit of content described in spec.md §3.
type Chunk struct {
	ID       string // stable id derived from {source_id, path, span[, index]} plus a hash of the chunk text
	ScopeID  string
	SourceID string
	Path     string // forward-slash normalized, relative to workspace root
	Span     Span
	Text     string
	Score    float64 // transient, set by search/rerank, not persisted

	Metadata Metadata

	Embedding []float32

	// Symbols are functions/classes/etc. discovered while chunking; used for
	// identifier-aware reranking and symbol search. Not part of the wire
	// contract in §3 but useful provenance carried alongside a chunk.
	Symbols []*Symbol
}

// FileInput is input for the Chunker interface.
type FileInput struct {
	ScopeID  string // Knowledge scope this file is indexed into
	SourceID string // Identifies the source tree this file belongs to
	Path     string // Relative path, forward-slash normalized
	Content  []byte
	Language string
}

// Chunker splits a file into semantic chunks. Implementations MUST stream:
// no chunker may materialize a whole-file AST for an oversize file (§4.1).
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)
	SupportedExtensions() []string
}

// SymbolType represents the kind of code symbol.
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol represents a code symbol extracted from parsing.
type Symbol struct {
	Name       string
	Type       SymbolType
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// Tree represents a parsed AST.
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST.
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code.
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}

// LanguageConfig holds configuration for a supported language.
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that indicate function declarations
	FunctionTypes []string

	// Node types that indicate class/struct definitions
	ClassTypes []string

	// Node types that indicate interface definitions
	InterfaceTypes []string

	// Node types that indicate method definitions
	MethodTypes []string

	// Node types that indicate type definitions
	TypeDefTypes []string

	// Node types that indicate constant declarations
	ConstantTypes []string

	// Node types that indicate variable declarations
	VariableTypes []string

	// Node type for name identifier
	NameField string
}
