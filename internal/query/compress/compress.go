// Package compress implements the Compressor collaborator of spec.md
// §4.12: fit a synthesized response to a token budget by climbing a
// strategy ladder (unchanged -> per-snippet truncate -> source-count
// reduce -> LLM summarize or aggressive truncate), estimating tokens
// with the same ceil(len/4) approximation used across the pipeline
// (§4.3's batch sizing, §13's token estimator).
package compress

import (
	"context"
	"strings"

	"github.com/kb-forge/coreengine/internal/llmprovider"
)

// DefaultMaxResponseTokens is §4.12's default response token budget.
const DefaultMaxResponseTokens = 4000

// DefaultMaxSnippetLines bounds a single source snippet under the
// "truncate each snippet" rung of the ladder.
const DefaultMaxSnippetLines = 40

// DefaultMaxSources bounds source count under the "reduce to
// max_sources" rung.
const DefaultMaxSources = 5

// aggressiveMaxSources/aggressiveMaxLines/aggressiveAnswerChars are the
// §4.12 "> 50% overflow, no LLM" floor: at most 3 sources x 5 lines,
// answer capped at 500 characters.
const (
	aggressiveMaxSources   = 3
	aggressiveMaxLines     = 5
	aggressiveAnswerChars  = 500
)

// Budget configures the compressor's thresholds; zero-value fields
// fall back to the package defaults.
type Budget struct {
	MaxResponseTokens int
	MaxSnippetLines   int
	MaxSources        int
}

// resolve fills in defaults for zero fields.
func (b Budget) resolve() Budget {
	if b.MaxResponseTokens <= 0 {
		b.MaxResponseTokens = DefaultMaxResponseTokens
	}
	if b.MaxSnippetLines <= 0 {
		b.MaxSnippetLines = DefaultMaxSnippetLines
	}
	if b.MaxSources <= 0 {
		b.MaxSources = DefaultMaxSources
	}
	return b
}

// Snippet is one source's compressible text, keyed by its line count
// so truncation can operate line-wise rather than byte-wise.
type Snippet struct {
	File  string
	Lines []string
}

// Text joins a snippet's lines back into a single string.
func (s Snippet) Text() string {
	return strings.Join(s.Lines, "\n")
}

// Response is the compressible shape the orchestrator passes in:
// an answer string plus its supporting snippets.
type Response struct {
	Answer   string
	Snippets []Snippet
}

// EstimateTokens implements the ceil(len/4) estimator shared across
// the pipeline (§4.3, §4.12).
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

func estimateResponse(r Response) int {
	total := EstimateTokens(r.Answer)
	for _, s := range r.Snippets {
		total += EstimateTokens(s.Text())
	}
	return total
}

// Strategy names the ladder rung actually applied, surfaced for
// telemetry/debugging.
type Strategy string

const (
	StrategyUnchanged        Strategy = "unchanged"
	StrategyTruncateSnippets Strategy = "truncate_snippets"
	StrategyReduceSources    Strategy = "reduce_sources"
	StrategySummarize        Strategy = "summarize"
	StrategyAggressive       Strategy = "aggressive_truncate"
)

// Result is the compressed response plus which rung was applied.
type Result struct {
	Response Response
	Strategy Strategy
}

// Summarizer is the narrow LLM-backed summarization hook used by the
// ">50% overflow" rung; nil means "no LLM available", forcing the
// aggressive-truncate fallback per §4.12.
type Summarizer func(ctx context.Context, snippets []Snippet) ([]Snippet, error)

// Compress implements §4.12's strategy ladder. overflowRatio is
// computed as (estimated-budget)/budget; the ladder rung is chosen by
// that ratio, not by iterative re-estimation, matching the spec's
// named bands (<20%, 20-50%, >50%).
func Compress(ctx context.Context, resp Response, budget Budget, summarize Summarizer) Result {
	budget = budget.resolve()

	estimated := estimateResponse(resp)
	if estimated <= budget.MaxResponseTokens {
		return Result{Response: resp, Strategy: StrategyUnchanged}
	}

	overflow := float64(estimated-budget.MaxResponseTokens) / float64(budget.MaxResponseTokens)

	switch {
	case overflow < 0.2:
		return Result{Response: truncateSnippets(resp, budget.MaxSnippetLines), Strategy: StrategyTruncateSnippets}
	case overflow <= 0.5:
		reduced := reduceSources(resp, budget.MaxSources)
		return Result{Response: truncateSnippets(reduced, budget.MaxSnippetLines), Strategy: StrategyReduceSources}
	default:
		if summarize != nil {
			if summarized, err := summarize(ctx, resp.Snippets); err == nil {
				return Result{Response: Response{Answer: resp.Answer, Snippets: summarized}, Strategy: StrategySummarize}
			}
		}
		return Result{Response: aggressiveTruncate(resp), Strategy: StrategyAggressive}
	}
}

func truncateSnippets(resp Response, maxLines int) Response {
	out := Response{Answer: resp.Answer, Snippets: make([]Snippet, len(resp.Snippets))}
	for i, s := range resp.Snippets {
		out.Snippets[i] = Snippet{File: s.File, Lines: truncateLines(s.Lines, maxLines)}
	}
	return out
}

func truncateLines(lines []string, max int) []string {
	if len(lines) <= max {
		return lines
	}
	return lines[:max]
}

func reduceSources(resp Response, maxSources int) Response {
	if len(resp.Snippets) <= maxSources {
		return resp
	}
	return Response{Answer: resp.Answer, Snippets: resp.Snippets[:maxSources]}
}

func aggressiveTruncate(resp Response) Response {
	answer := resp.Answer
	if len(answer) > aggressiveAnswerChars {
		answer = answer[:aggressiveAnswerChars]
	}

	reduced := reduceSources(Response{Answer: answer, Snippets: resp.Snippets}, aggressiveMaxSources)
	return truncateSnippets(reduced, aggressiveMaxLines)
}
