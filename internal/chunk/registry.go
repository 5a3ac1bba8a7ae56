package chunk

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrFileTooLarge is returned by ChunkerRegistry.Select when a file exceeds
// MaxFileBytes; callers must reject the file rather than stream-chunk it.
type ErrFileTooLarge struct {
	Path string
	Size int
}

func (e *ErrFileTooLarge) Error() string {
	return fmt.Sprintf("file %s exceeds max chunkable size (%d bytes)", e.Path, e.Size)
}

// configExtensions and testPathMarkers classify files by Kind for the
// default source_trust weighting (§3), independent of which Chunker handles them.
var configExtensions = map[string]bool{
	".yaml": true, ".yml": true, ".json": true, ".toml": true,
	".ini": true, ".env": true, ".cfg": true,
}

// ChunkerRegistry selects the appropriate Chunker for a file, enforcing the
// 10MB safety rule before any chunker sees the content.
type ChunkerRegistry struct {
	code     *CodeChunker
	markdown *MarkdownChunker
	fallback *LineChunker
}

// NewChunkerRegistry builds a registry with the standard chunker set.
func NewChunkerRegistry() *ChunkerRegistry {
	return &ChunkerRegistry{
		code:     NewCodeChunker(),
		markdown: NewMarkdownChunker(),
		fallback: NewLineChunker(),
	}
}

// Close releases resources held by chunkers that need it (tree-sitter parsers).
func (r *ChunkerRegistry) Close() {
	if r.code != nil {
		r.code.Close()
	}
}

// Select picks the Chunker for a file based on extension. A file handled by
// no specialized chunker still gets the line-based fallback, so every file
// type is chunkable.
func (r *ChunkerRegistry) Select(path string) Chunker {
	ext := strings.ToLower(filepath.Ext(path))

	for _, e := range r.markdown.SupportedExtensions() {
		if e == ext {
			return r.markdown
		}
	}
	for _, e := range r.code.SupportedExtensions() {
		if e == ext {
			return r.code
		}
	}
	return r.fallback
}

// Chunk enforces the 10MB safety rule and dispatches to the selected Chunker.
func (r *ChunkerRegistry) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) > MaxFileBytes {
		return nil, &ErrFileTooLarge{Path: file.Path, Size: len(file.Content)}
	}

	chunker := r.Select(file.Path)
	chunks, err := chunker.Chunk(ctx, file)
	if err != nil {
		return nil, err
	}

	kind := classifyKind(file.Path)
	for _, c := range chunks {
		c.ScopeID = file.ScopeID
		if c.Metadata.Kind == "" || kind == KindTest || kind == KindConfig || kind == KindADR {
			c.Metadata.Kind = kind
			c.Metadata.SourceTrust = DefaultSourceTrust(kind)
		}
	}

	return chunks, nil
}

// classifyKind derives the file Kind from its path, matching the precedence
// of the original spec's trust weighting: tests > ADR docs > config > docs > code.
func classifyKind(path string) Kind {
	lower := strings.ToLower(path)
	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case strings.Contains(lower, "_test.") || strings.Contains(lower, ".test.") || strings.Contains(lower, "/test/") || strings.Contains(lower, "/tests/"):
		return KindTest
	case strings.Contains(lower, "/adr/") || strings.Contains(lower, "/decisions/"):
		return KindADR
	case configExtensions[ext]:
		return KindConfig
	case ext == ".md" || ext == ".markdown" || ext == ".mdx":
		return KindDocs
	default:
		return KindCode
	}
}

// LineChunker is the generic line-based fallback used for file types with no
// dedicated chunker (§4.1 safety rule): it never parses, just slices lines
// with overlap, so it can never fail on malformed input.
type LineChunker struct{}

// NewLineChunker creates a generic line-based chunker.
func NewLineChunker() *LineChunker {
	return &LineChunker{}
}

// SupportedExtensions returns nil: the LineChunker is the catch-all, selected
// only when no other chunker claims the extension.
func (l *LineChunker) SupportedExtensions() []string { return nil }

// Chunk splits file content into fixed-size, overlapping line windows.
func (l *LineChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	kind := classifyKind(file.Path)
	maxLines := MaxLinesCode
	if kind == KindDocs || kind == KindConfig {
		maxLines = MaxLinesDocs
	}

	lines := strings.Split(content, "\n")
	now := time.Now()
	var chunks []*Chunk

	for i := 0; i < len(lines); {
		end := i + maxLines
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")
		span := Span{StartLine: i + 1, EndLine: end}

		chunk := &Chunk{
			SourceID: file.SourceID,
			Path:     file.Path,
			Text:     chunkContent,
			Span:     span,
			Metadata: Metadata{
				Kind:        kind,
				Language:    file.Language,
				SourceTrust: DefaultSourceTrust(kind),
				IndexedAt:   now,
			},
		}
		chunk.ID = generateChunkID(file.SourceID, file.Path, span, chunkContent)
		chunks = append(chunks, chunk)

		i = end - OverlapLines
		if i <= 0 || end >= len(lines) {
			break
		}
	}

	assignChunkIndices(chunks)
	return chunks, nil
}
