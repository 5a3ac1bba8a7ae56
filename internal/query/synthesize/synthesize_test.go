package synthesize

import (
	"context"
	"testing"

	"github.com/kb-forge/coreengine/internal/llmprovider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLLM struct {
	response string
	err      error
}

func (s *stubLLM) Complete(ctx context.Context, prompt string, opts llmprovider.CompleteOptions) (string, error) {
	return s.response, s.err
}

func sampleSources() []Source {
	return []Source{
		{ChunkID: "c1", File: "internal/ratelimit/limiter.go", Lines: [2]int{10, 30}, Text: "func (l *Limiter) Acquire(ctx context.Context, tokens int) error { ... }"},
		{ChunkID: "c2", File: "docs/rate-limits.md", Lines: [2]int{1, 10}, Text: "The rate limiter enforces TPM and RPM budgets."},
	}
}

func TestSynthesize_NoLLM_UsesDirectAnswer(t *testing.T) {
	result := Synthesize(context.Background(), nil, "what is Limiter.Acquire", sampleSources())
	require.NotEmpty(t, result.Answer)
	assert.Contains(t, result.Answer, "[source:1]")
	assert.Equal(t, 1.0, result.Confidence)
	assert.Len(t, result.Citations, 2)
}

func TestSynthesize_LLMResponse_ParsedAndVerified(t *testing.T) {
	llm := &stubLLM{response: `{"answer": "Limiter.Acquire blocks until both buckets admit [source:1]", "citations": [{"index": 1, "file": "internal/ratelimit/limiter.go", "lines": [10, 30]}]}`}
	result := Synthesize(context.Background(), llm, "what is Limiter.Acquire", sampleSources())
	assert.Equal(t, 1.0, result.Confidence)
	assert.Empty(t, result.Warnings)
}

func TestSynthesize_LLMError_FallsBackToDirectAnswer(t *testing.T) {
	llm := &stubLLM{err: assert.AnError}
	result := Synthesize(context.Background(), llm, "what is Limiter.Acquire", sampleSources())
	assert.Contains(t, result.Answer, "[source:1]")
}

func TestVerify_UnverifiableCitation_ReducesConfidence(t *testing.T) {
	sources := sampleSources()
	result := Result{
		Answer:     "see below",
		Citations:  []Citation{{Index: 1, File: "nonexistent.go", Lines: [2]int{1, 5}}},
		Confidence: 1.0,
	}
	out := Verify(result, sources)
	assert.Less(t, out.Confidence, 1.0)
	assert.Contains(t, out.Warnings[0], "UNVERIFIABLE_CITATIONS")
}

func TestVerify_UnverifiedIdentifier_ReducesConfidenceAndFlagsLowConfidence(t *testing.T) {
	sources := sampleSources()
	result := Result{
		Answer:     "The function totallyMadeUpFunctionName does the work.",
		Citations:  nil,
		Confidence: 1.0,
	}
	out := Verify(result, sources)
	assert.Less(t, out.Confidence, 1.0)
	assert.Contains(t, out.Warnings, "LOW_CONFIDENCE")
}

func TestVerify_AllFieldsVerified_NoWarnings(t *testing.T) {
	sources := sampleSources()
	result := Result{
		Answer:     "Acquire blocks until tokens are available.",
		Citations:  []Citation{{Index: 1, File: sources[0].File, Lines: sources[0].Lines}},
		Confidence: 1.0,
	}
	out := Verify(result, sources)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Empty(t, out.Warnings)
}

func TestExtractCitationIndices_Dedupes(t *testing.T) {
	indices := ExtractCitationIndices("claim one [source:1] claim two [source:2] repeat [source:1]")
	assert.Equal(t, []int{1, 2}, indices)
}
