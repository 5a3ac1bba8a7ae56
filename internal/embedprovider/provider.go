// Package embedprovider defines the narrow embedding-backend contract the
// indexing pipeline depends on, adapted from the teacher's internal/embed
// Embedder interface (Ollama/MLX/static adapters) per REDESIGN FLAGS §9's
// "split collaborators by capability" note.
package embedprovider

import (
	"context"
	"errors"
)

// ErrEmptyInput is wrapped in an InvalidInputError when a text in the
// batch is empty after sanitizing.
var ErrEmptyInput = errors.New("embedprovider: empty input batch")

// RateLimits describes optional provider-reported TPM/RPM budgets; zero
// values mean "not reported" and the caller's own ratelimit.Tier applies.
type RateLimits struct {
	TPM int
	RPM int
}

// EmbeddingProvider is the narrow interface the indexing pipeline's
// embedding stage (§4.3) depends on. Implementations must preserve input
// order: EmbedBatch's result slot i corresponds to texts[i].
type EmbeddingProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	MaxBatchSize() int
	Dimension() int
	RateLimits() (RateLimits, bool)
}

// InvalidInputError wraps a provider error that is known to be caused by a
// specific poison input; the indexing pipeline drops the input at Index
// and retries the rest of the batch.
type InvalidInputError struct {
	Index int // index within the batch, -1 if unknown
	Err   error
}

func (e *InvalidInputError) Error() string {
	return "embedprovider: invalid input: " + e.Err.Error()
}

func (e *InvalidInputError) Unwrap() error { return e.Err }
