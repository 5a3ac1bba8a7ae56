// Package completeness implements the CompletenessChecker collaborator
// of spec.md §4.10: decide whether gathered evidence is sufficient to
// answer a query, using a cheap heuristic for instant mode and an LLM
// judgment (falling back to the heuristic on error) otherwise.
package completeness

import (
	"context"
	"fmt"

	"github.com/kb-forge/coreengine/internal/llmprovider"
)

// Result is the completeness verdict for a gathered result set.
type Result struct {
	Complete        bool
	Confidence      float64
	Missing         []string
	SuggestSources  []string
}

// HeuristicScore implements §4.10's instant-mode formula:
// 0.4*top + 0.3*avg + 0.3*min(relevant/5, 1).
func HeuristicScore(top, avg float64, relevantCount int) float64 {
	relevantTerm := float64(relevantCount) / 5
	if relevantTerm > 1 {
		relevantTerm = 1
	}
	return 0.4*top + 0.3*avg + 0.3*relevantTerm
}

// Heuristic evaluates completeness without an LLM call: complete iff
// score > 0.6 AND top > 0.7.
func Heuristic(top, avg float64, relevantCount int) Result {
	score := HeuristicScore(top, avg, relevantCount)
	return Result{
		Complete:   score > 0.6 && top > 0.7,
		Confidence: score,
	}
}

type judgmentResponse struct {
	Complete       bool     `json:"complete"`
	Confidence     float64  `json:"confidence"`
	Missing        []string `json:"missing"`
	SuggestSources []string `json:"suggest_sources"`
}

const judgmentPrompt = `Given the question and the retrieved evidence snippets below, judge whether the evidence is sufficient to answer fully. Respond with JSON: {"complete": bool, "confidence": 0-1, "missing": ["..."], "suggest_sources": ["..."]}.

Question: %s

Evidence:
%s`

// Judge evaluates completeness for non-instant modes via an LLM call,
// falling back to Heuristic on any failure (§4.10).
func Judge(ctx context.Context, llm llmprovider.LLMProvider, question, evidence string, top, avg float64, relevantCount int) Result {
	if llm == nil {
		return Heuristic(top, avg, relevantCount)
	}

	prompt := fmt.Sprintf(judgmentPrompt, question, evidence)
	var resp judgmentResponse
	if err := llmprovider.JSONComplete(ctx, llm, prompt, llmprovider.CompleteOptions{MaxTokens: 512}, &resp); err != nil {
		return Heuristic(top, avg, relevantCount)
	}

	return Result{
		Complete:       resp.Complete,
		Confidence:     resp.Confidence,
		Missing:        resp.Missing,
		SuggestSources: resp.SuggestSources,
	}
}
