package embedprovider

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/kb-forge/coreengine/internal/embed"
)

// OllamaAdapter adapts the teacher's embed.OllamaEmbedder to the
// EmbeddingProvider interface, sanitizing text per §4.3 (strip NUL bytes,
// normalize UTF-8, reject empty) before delegating.
type OllamaAdapter struct {
	embedder     *embed.OllamaEmbedder
	maxBatchSize int
}

// NewOllamaAdapter wraps an already-constructed Ollama embedder.
func NewOllamaAdapter(embedder *embed.OllamaEmbedder, maxBatchSize int) *OllamaAdapter {
	if maxBatchSize <= 0 {
		maxBatchSize = embed.DefaultBatchSize
	}
	return &OllamaAdapter{embedder: embedder, maxBatchSize: maxBatchSize}
}

func (a *OllamaAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	sanitized := make([]string, len(texts))
	for i, t := range texts {
		s := sanitizeText(t)
		if s == "" {
			return nil, &InvalidInputError{Index: i, Err: ErrEmptyInput}
		}
		sanitized[i] = s
	}
	return a.embedder.EmbedBatch(ctx, sanitized)
}

func (a *OllamaAdapter) MaxBatchSize() int { return a.maxBatchSize }

func (a *OllamaAdapter) Dimension() int { return a.embedder.Dimensions() }

func (a *OllamaAdapter) RateLimits() (RateLimits, bool) { return RateLimits{}, false }

// sanitizeText strips NUL bytes and replaces invalid UTF-8 sequences,
// matching the §4.3 sanitation rule applied before any embedding call.
func sanitizeText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.TrimSpace(s)
}
