// Package synthesize implements the Synthesizer collaborator of
// spec.md §4.11: produce a grounded answer with [source:N] citations
// from gathered chunks, then verify it against the cited chunk text so
// hallucinated fields reduce confidence rather than passing silently.
// Grounded on internal/llmprovider's tolerant JSON parser (the same
// three-tier strategy §9 requires for any LLM-shaped output) and the
// identifier-matching regex already established in
// internal/query/gatherer for intent-aware reranking.
package synthesize

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kb-forge/coreengine/internal/llmprovider"
)

// Source is one chunk offered to the LLM as grounding material and,
// after synthesis, a citation target for verification.
type Source struct {
	ChunkID string
	File    string
	Lines   [2]int
	Text    string
}

// Citation is a single [source:N] reference extracted from the answer.
type Citation struct {
	Index int // 1-based position into the Sources slice passed to Synthesize
	File  string
	Lines [2]int
}

// Result is the synthesized answer plus the verification outcome of
// §4.11.
type Result struct {
	Answer     string
	Citations  []Citation
	Confidence float64
	Warnings   []string
}

const synthesisPrompt = `Answer the question using ONLY the numbered sources below. Cite every factual claim with [source:N] matching the source number it came from. Never invent a file, line number, or fact not present in a source. If the sources are insufficient, say so plainly.

Question: %s

Sources:
%s

Respond with JSON: {"answer": "...", "citations": [{"index": N, "file": "...", "lines": [start, end]}]}`

type synthesisResponse struct {
	Answer    string `json:"answer"`
	Citations []struct {
		Index int   `json:"index"`
		File  string `json:"file"`
		Lines [2]int `json:"lines"`
	} `json:"citations"`
}

// formatSources renders the numbered source block the prompt embeds.
func formatSources(sources []Source) string {
	var sb strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&sb, "[source:%d] %s:%d-%d\n%s\n\n", i+1, s.File, s.Lines[0], s.Lines[1], s.Text)
	}
	return sb.String()
}

var citationRefPattern = regexp.MustCompile(`\[source:(\d+)\]`)

// directAnswer builds a non-LLM answer for instant mode or LLM
// unavailability: concatenate the top sources verbatim with citation
// markers, skipping generation entirely. Used by the orchestrator's
// instant pipeline per §4.14 when no LLM is configured.
func directAnswer(sources []Source) Result {
	var sb strings.Builder
	citations := make([]Citation, 0, len(sources))
	for i, s := range sources {
		fmt.Fprintf(&sb, "[source:%d] %s:%d-%d\n%s\n\n", i+1, s.File, s.Lines[0], s.Lines[1], s.Text)
		citations = append(citations, Citation{Index: i + 1, File: s.File, Lines: s.Lines})
	}
	return Result{
		Answer:     strings.TrimSpace(sb.String()),
		Citations:  citations,
		Confidence: 1.0,
	}
}

// Synthesize produces a grounded answer for query given sources,
// per §4.11. With no LLM provider it falls back to directAnswer (the
// instant-mode "direct answer builder" of §4.14). Verification always
// runs against whatever answer is produced.
func Synthesize(ctx context.Context, llm llmprovider.LLMProvider, query string, sources []Source) Result {
	var result Result
	if llm == nil || len(sources) == 0 {
		result = directAnswer(sources)
	} else {
		prompt := fmt.Sprintf(synthesisPrompt, query, formatSources(sources))
		var resp synthesisResponse
		if err := llmprovider.JSONComplete(ctx, llm, prompt, llmprovider.CompleteOptions{MaxTokens: 1500, Temperature: 0.1}, &resp); err != nil {
			result = directAnswer(sources)
		} else {
			citations := make([]Citation, 0, len(resp.Citations))
			for _, c := range resp.Citations {
				citations = append(citations, Citation{Index: c.Index, File: c.File, Lines: c.Lines})
			}
			result = Result{Answer: resp.Answer, Citations: citations, Confidence: 1.0}
		}
	}

	return Verify(result, sources)
}

// Verify implements §4.11's post-generation checks: SourceVerifier
// confirms every cited (file, lines) matches an offered source;
// FieldChecker confirms every identifier-like token in the answer
// appears in some cited chunk's text. Both reduce Confidence
// proportionally and emit warnings; confidence below 0.5 after
// adjustment appends a LOW_CONFIDENCE warning.
func Verify(result Result, sources []Source) Result {
	result = verifySources(result, sources)
	result = verifyFields(result, sources)

	if result.Confidence < 0.5 {
		result.Warnings = append(result.Warnings, "LOW_CONFIDENCE")
	}
	return result
}

// verifySources implements the SourceVerifier: every citation's
// (file, lines) must correspond to an offered source's (file, lines).
func verifySources(result Result, sources []Source) Result {
	if len(result.Citations) == 0 {
		return result
	}

	known := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		known[fmt.Sprintf("%s:%d-%d", s.File, s.Lines[0], s.Lines[1])] = struct{}{}
	}

	verified := 0
	for _, c := range result.Citations {
		key := fmt.Sprintf("%s:%d-%d", c.File, c.Lines[0], c.Lines[1])
		if _, ok := known[key]; ok {
			verified++
		}
	}

	ratio := float64(verified) / float64(len(result.Citations))
	if ratio < 1.0 {
		result.Confidence *= ratio
		result.Warnings = append(result.Warnings, fmt.Sprintf("UNVERIFIABLE_CITATIONS: %d/%d citations could not be matched to a source", len(result.Citations)-verified, len(result.Citations)))
	}
	return result
}

var identifierTokenPattern = regexp.MustCompile("`[^`]+`|\\b[a-z]+([A-Z][a-z0-9]*)+\\b|\\b[a-z]+(_[a-z0-9]+)+\\b")

// verifyFields implements the FieldChecker: every identifier-like
// token in the answer must appear in at least one cited chunk's text.
func verifyFields(result Result, sources []Source) Result {
	tokens := identifierTokenPattern.FindAllString(result.Answer, -1)
	if len(tokens) == 0 {
		return result
	}

	citedText := citedSourceText(result.Citations, sources)

	verified := 0
	for _, tok := range tokens {
		clean := strings.Trim(tok, "`")
		if strings.Contains(citedText, clean) {
			verified++
		}
	}

	ratio := float64(verified) / float64(len(tokens))
	result.Confidence *= ratio
	if ratio < 1.0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("UNVERIFIED_FIELDS: %d/%d identifier tokens not found in cited sources", len(tokens)-verified, len(tokens)))
	}
	return result
}

// citedSourceText concatenates the text of every source actually
// cited (falling back to all sources if no citations were parsed),
// for the FieldChecker's containment test.
func citedSourceText(citations []Citation, sources []Source) string {
	if len(citations) == 0 {
		var sb strings.Builder
		for _, s := range sources {
			sb.WriteString(s.Text)
			sb.WriteByte('\n')
		}
		return sb.String()
	}

	byIndex := make(map[int]Source, len(sources))
	for i, s := range sources {
		byIndex[i+1] = s
	}

	var sb strings.Builder
	for _, c := range citations {
		if s, ok := byIndex[c.Index]; ok {
			sb.WriteString(s.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// ExtractCitationIndices returns the [source:N] indices actually
// referenced in free text, independent of the parsed Citations slice —
// used when an LLM cites inline without filling the structured
// citations array.
func ExtractCitationIndices(answer string) []int {
	matches := citationRefPattern.FindAllStringSubmatch(answer, -1)
	seen := make(map[int]struct{}, len(matches))
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			indices = append(indices, n)
		}
	}
	return indices
}
