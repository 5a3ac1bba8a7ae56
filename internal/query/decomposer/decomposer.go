// Package decomposer implements the Decomposer collaborator of spec.md
// §4.8: classify query complexity, then ask an LLM for an ordered list
// of sub-queries, always keeping the original query first and
// degrading to [original] on any failure. Grounded on the regex-driven
// eligibility checks of internal/search/decomposer.go's
// PatternDecomposer, generalized from that file's "should decompose"
// gate into the three-way Simple/Medium/Complex complexity classes
// spec.md names.
package decomposer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kb-forge/coreengine/internal/llmprovider"
)

// Complexity buckets a query by the §4.8 heuristic.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

var (
	locationLookupPattern = regexp.MustCompile(`(?i)^what is\s+[A-Za-z_][\w.]*\??$`)
	relationshipPattern   = regexp.MustCompile(`(?i)(relationship|architecture|how does .* interact|depend)`)
)

// Classify implements the §4.8 complexity heuristic.
func Classify(query string) Complexity {
	trimmed := strings.TrimSpace(query)
	words := len(strings.Fields(trimmed))

	if locationLookupPattern.MatchString(trimmed) || words <= 5 {
		return Simple
	}
	if relationshipPattern.MatchString(trimmed) || words >= 15 {
		return Complex
	}
	return Medium
}

// MaxSubQueries returns the mode-specific cap on total sub-queries
// (including the original), per §4.8.
func MaxSubQueries(mode string) int {
	switch mode {
	case "thinking":
		return 5
	case "auto":
		return 3
	default:
		return 1
	}
}

const decompositionPrompt = `Break the following query into %d or fewer focused sub-queries that together cover what a thorough search would need. Respond with a JSON object: {"sub_queries": ["...", "..."]}. Do not include the original query in your list.

Query: %s`

type decompositionResponse struct {
	SubQueries []string `json:"sub_queries"`
}

// Decompose calls the LLM for sub-queries, always placing the original
// query first and truncating to maxTotal. On any LLM or parse failure
// it degrades to []string{query}.
func Decompose(ctx context.Context, llm llmprovider.LLMProvider, query string, mode string) []string {
	maxTotal := MaxSubQueries(mode)
	trimmed := strings.TrimSpace(query)
	if maxTotal <= 1 || llm == nil {
		return []string{trimmed}
	}

	prompt := fmt.Sprintf(decompositionPrompt, maxTotal-1, trimmed)
	var resp decompositionResponse
	if err := llmprovider.JSONComplete(ctx, llm, prompt, llmprovider.CompleteOptions{MaxTokens: 256}, &resp); err != nil {
		return []string{trimmed}
	}

	result := []string{trimmed}
	for _, sub := range resp.SubQueries {
		sub = strings.TrimSpace(sub)
		if sub == "" || sub == trimmed {
			continue
		}
		result = append(result, sub)
		if len(result) >= maxTotal {
			break
		}
	}
	return result
}
