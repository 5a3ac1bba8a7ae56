package compress

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linesOf(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = strings.Repeat("x", 20)
	}
	return lines
}

func TestCompress_WithinBudget_Unchanged(t *testing.T) {
	resp := Response{Answer: "short answer", Snippets: []Snippet{{File: "a.go", Lines: linesOf(5)}}}
	result := Compress(context.Background(), resp, Budget{}, nil)
	assert.Equal(t, StrategyUnchanged, result.Strategy)
	assert.Equal(t, resp, result.Response)
}

func TestCompress_SmallOverflow_TruncatesSnippets(t *testing.T) {
	// 30 lines of 20 chars plus 29 newlines = 629 chars = 158 tokens, plus 2
	// for the answer = 160; budget 140 -> overflow ~14% (<20%).
	budget := Budget{MaxResponseTokens: 140, MaxSnippetLines: 3}
	resp := Response{Answer: "answer", Snippets: []Snippet{{File: "a.go", Lines: linesOf(30)}}}

	result := Compress(context.Background(), resp, budget, nil)
	require.Equal(t, StrategyTruncateSnippets, result.Strategy)
	assert.LessOrEqual(t, len(result.Response.Snippets[0].Lines), 3)
}

func TestCompress_MediumOverflow_ReducesSources(t *testing.T) {
	// 2 snippets of 5 lines (104 chars = 26 tokens each) plus 1 for the answer
	// = 53 tokens; budget 40 -> overflow ~33% (20-50% band).
	budget := Budget{MaxResponseTokens: 40, MaxSources: 1, MaxSnippetLines: 50}
	resp := Response{Answer: "a", Snippets: []Snippet{
		{File: "a.go", Lines: linesOf(5)},
		{File: "b.go", Lines: linesOf(5)},
	}}
	result := Compress(context.Background(), resp, budget, nil)
	require.Equal(t, StrategyReduceSources, result.Strategy)
	assert.Len(t, result.Response.Snippets, 1)
}

func TestCompress_LargeOverflow_NoSummarizer_AggressiveTruncate(t *testing.T) {
	budget := Budget{MaxResponseTokens: 10}
	resp := Response{
		Answer: strings.Repeat("word ", 300),
		Snippets: []Snippet{
			{File: "a.go", Lines: linesOf(20)},
			{File: "b.go", Lines: linesOf(20)},
			{File: "c.go", Lines: linesOf(20)},
			{File: "d.go", Lines: linesOf(20)},
		},
	}
	result := Compress(context.Background(), resp, budget, nil)
	assert.Equal(t, StrategyAggressive, result.Strategy)
	assert.LessOrEqual(t, len(result.Response.Answer), aggressiveAnswerChars)
	assert.LessOrEqual(t, len(result.Response.Snippets), aggressiveMaxSources)
	for _, s := range result.Response.Snippets {
		assert.LessOrEqual(t, len(s.Lines), aggressiveMaxLines)
	}
}

func TestCompress_LargeOverflow_WithSummarizer_Summarizes(t *testing.T) {
	budget := Budget{MaxResponseTokens: 10}
	resp := Response{
		Answer:   strings.Repeat("word ", 300),
		Snippets: []Snippet{{File: "a.go", Lines: linesOf(20)}},
	}
	summarize := func(ctx context.Context, snippets []Snippet) ([]Snippet, error) {
		return []Snippet{{File: "a.go", Lines: []string{"summary"}}}, nil
	}
	result := Compress(context.Background(), resp, budget, summarize)
	assert.Equal(t, StrategySummarize, result.Strategy)
	require.Len(t, result.Response.Snippets, 1)
	assert.Equal(t, []string{"summary"}, result.Response.Snippets[0].Lines)
}

func TestEstimateTokens_CeilDivisionByFour(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}
