package embedprovider

import (
	"context"

	"github.com/kb-forge/coreengine/internal/embed"
)

// StaticAdapter wraps the teacher's deterministic offline embedder
// (embed.StaticEmbedder) for tests and CI, where no Ollama/MLX backend is
// available.
type StaticAdapter struct {
	embedder *embed.StaticEmbedder
}

// NewStaticAdapter builds a provider backed by the static, hash-based
// embedder.
func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{embedder: embed.NewStaticEmbedder()}
}

func (a *StaticAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	sanitized := make([]string, len(texts))
	for i, t := range texts {
		s := sanitizeText(t)
		if s == "" {
			return nil, &InvalidInputError{Index: i, Err: ErrEmptyInput}
		}
		sanitized[i] = s
	}
	return a.embedder.EmbedBatch(context.Background(), sanitized)
}

func (a *StaticAdapter) MaxBatchSize() int { return embed.DefaultBatchSize }

func (a *StaticAdapter) Dimension() int { return a.embedder.Dimensions() }

func (a *StaticAdapter) RateLimits() (RateLimits, bool) { return RateLimits{}, false }
