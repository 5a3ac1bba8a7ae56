package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	amerrors "github.com/kb-forge/coreengine/internal/errors"
	"github.com/kb-forge/coreengine/internal/overlay"
	"github.com/kb-forge/coreengine/internal/query/classifier"
	"github.com/kb-forge/coreengine/internal/query/compress"
	"github.com/kb-forge/coreengine/internal/query/completeness"
	"github.com/kb-forge/coreengine/internal/query/decomposer"
	"github.com/kb-forge/coreengine/internal/query/gatherer"
	"github.com/kb-forge/coreengine/internal/query/synthesize"
	"github.com/kb-forge/coreengine/internal/store"
)

// runInstant implements §4.14's instant pipeline: classify -> single
// search -> direct answer builder -> synthesize (LLM optional) ->
// verify -> compress. Transparently upgrades to auto when the
// synthesized confidence is low and an LLM is available.
func (o *Orchestrator) runInstant(ctx context.Context, req Request) (*AgentResponse, error) {
	weights := classifier.Classify(req.Query)
	subQuery := gatherer.SubQuery{
		Query:   req.Query,
		Weights: gatherer.Weights{BM25: weights.KeywordWeight, Semantic: weights.VectorWeight},
	}

	fused, tel, err := o.gatherSubQueries(ctx, []gatherer.SubQuery{subQuery}, weights.SuggestedLimit, false, gatherer.ModeAuto)
	if err != nil {
		return nil, amerrors.NewWireError(amerrors.WireEngineError, "instant search failed", err)
	}

	resp, synthResult := o.synthesizeAndCompress(ctx, req.Query, fused, weights.SuggestedLimit, tel)

	if synthResult.Confidence < instantUpgradeConfidence && o.LLM != nil {
		if upgraded, err := o.runAuto(ctx, req); err == nil {
			upgraded.Warnings = append(upgraded.Warnings, "UPGRADED_FROM_INSTANT")
			return upgraded, nil
		}
	}

	resp.Complete = synthResult.Confidence > 0.6
	return resp, nil
}

// runAuto implements §4.14's auto pipeline: decompose (<=3) -> gather
// -> single completeness check -> synthesize -> verify -> compress.
func (o *Orchestrator) runAuto(ctx context.Context, req Request) (*AgentResponse, error) {
	subQueries := buildSubQueries(decomposer.Decompose(ctx, o.LLM, req.Query, "auto"))
	fused, tel, err := o.gatherSubQueries(ctx, subQueries, 10, true, gatherer.ModeAuto)
	if err != nil {
		return nil, amerrors.NewWireError(amerrors.WireEngineError, "auto gather failed", err)
	}

	top, avg, relevant := scoreStats(fused)
	cr := completeness.Judge(ctx, o.LLM, req.Query, evidenceText(fused, o.Lookup), top, avg, relevant)

	resp, synthResult := o.synthesizeAndCompress(ctx, req.Query, fused, 10, tel)
	resp.Complete = cr.Complete
	resp.Suggestions = cr.SuggestSources
	resp.Confidence = combinedConfidence(cr.Confidence, synthResult.Confidence)
	resp.Meta.Iterations = 1
	return resp, nil
}

// runThinking implements §4.14's thinking pipeline: decompose (<=5) ->
// gather -> iterate completeness up to MaxIterations, folding in
// suggested sub-queries, early-exiting on complete, high confidence,
// or no further suggestions -> synthesize -> verify -> compress.
func (o *Orchestrator) runThinking(ctx context.Context, req Request) (*AgentResponse, error) {
	maxIter := o.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	queries := decomposer.Decompose(ctx, o.LLM, req.Query, "thinking")
	var (
		fused map[string]*gatherer.FusedResult
		tel   gatherer.Telemetry
		cr    completeness.Result
	)

	iterations := 0
	for iterations < maxIter {
		iterations++
		subQueries := buildSubQueries(queries)

		var err error
		fused, tel, err = o.gatherSubQueries(ctx, subQueries, 10, true, gatherer.ModeThinking)
		if err != nil {
			return nil, amerrors.NewWireError(amerrors.WireEngineError, "thinking gather failed", err)
		}

		top, avg, relevant := scoreStats(fused)
		cr = completeness.Judge(ctx, o.LLM, req.Query, evidenceText(fused, o.Lookup), top, avg, relevant)

		if cr.Complete || cr.Confidence > thinkingEarlyStopConfidence || len(cr.SuggestSources) == 0 {
			break
		}
		queries = append(queries, cr.SuggestSources...)
	}

	resp, synthResult := o.synthesizeAndCompress(ctx, req.Query, fused, 10, tel)
	resp.Complete = cr.Complete
	resp.Suggestions = cr.SuggestSources
	resp.Confidence = combinedConfidence(cr.Confidence, synthResult.Confidence)
	resp.Meta.Iterations = iterations
	return resp, nil
}

func combinedConfidence(completenessConfidence, synthConfidence float64) float64 {
	if completenessConfidence < synthConfidence {
		return completenessConfidence
	}
	return synthConfidence
}

// buildSubQueries classifies each decomposed query text independently,
// so a sub-query about "how does X work" gets architecture weights
// even when the original query was a technical lookup.
func buildSubQueries(queries []string) []gatherer.SubQuery {
	subQueries := make([]gatherer.SubQuery, len(queries))
	for i, q := range queries {
		w := classifier.Classify(q)
		subQueries[i] = gatherer.SubQuery{Query: q, Weights: gatherer.Weights{BM25: w.KeywordWeight, Semantic: w.VectorWeight}}
	}
	return subQueries
}

// gatherSubQueries fans sub-queries out through o.Retriever via
// gatherer.Gather, then optionally applies the §4.9 intent-aware
// rerank and evidence guarantee (skipped for instant mode's plain
// weighted search per §4.14).
func (o *Orchestrator) gatherSubQueries(ctx context.Context, subQueries []gatherer.SubQuery, limit int, rerank bool, mode gatherer.Mode) (map[string]*gatherer.FusedResult, gatherer.Telemetry, error) {
	weightsByQuery := make(map[string]gatherer.Weights, len(subQueries))
	for _, sq := range subQueries {
		weightsByQuery[sq.Query] = sq.Weights
	}

	tel := gatherer.Telemetry{Staleness: overlay.Fresh, Confidence: 1.0}
	if o.Retriever != nil {
		tel.Staleness = o.Retriever.Staleness()
	}
	tel.FreshnessApplied = tel.Staleness != overlay.Fresh

	exec := func(ctx context.Context, query string) ([]*store.BM25Result, []*store.VectorResult, error) {
		if o.Retriever == nil {
			return nil, nil, nil
		}
		return o.Retriever.Search(ctx, query, weightsByQuery[query], limit)
	}

	merged, err := gatherer.Gather(ctx, subQueries, exec)
	if err != nil {
		tel.FailClosed = true
		return nil, tel, err
	}

	results := sortedFused(merged)
	if rerank && len(subQueries) > 0 {
		boosted := gatherer.Rerank(subQueries[0].Query, mode, results, o.Lookup)
		tel.Boosted = boosted
		tel.Conflicts = countRankDisagreements(results)
		results = gatherer.EvidenceGuarantee(mode, results, o.Lookup)
	}

	out := make(map[string]*gatherer.FusedResult, len(results))
	for _, r := range results {
		out[r.ChunkID] = r
	}
	return out, tel, nil
}

// countRankDisagreements counts fused results that appeared in only
// one of the keyword/vector lists, a crude proxy for cross-signal
// conflict since spec.md §4.9 names a "conflicts" counter without
// defining it precisely (an Open-Question-adjacent policy call,
// recorded in DESIGN.md).
func countRankDisagreements(results []*gatherer.FusedResult) int {
	count := 0
	for _, r := range results {
		if !r.InBothLists && (r.BM25Rank > 0 || r.VecRank > 0) {
			count++
		}
	}
	return count
}

func scoreStats(fused map[string]*gatherer.FusedResult) (top, avg float64, relevant int) {
	if len(fused) == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, r := range fused {
		if r.RRFScore > top {
			top = r.RRFScore
		}
		sum += r.RRFScore
		if r.RRFScore >= relevantScoreThreshold {
			relevant++
		}
	}
	avg = sum / float64(len(fused))
	return top, avg, relevant
}

// evidenceText renders the evidence block the completeness judge's
// LLM prompt is built from (internal/query/completeness.Judge),
// capped to the 20 highest-scoring chunks to bound prompt size.
func evidenceText(fused map[string]*gatherer.FusedResult, lookup ChunkLookup) string {
	ordered := sortedFused(fused)
	const maxEvidence = 20
	if len(ordered) > maxEvidence {
		ordered = ordered[:maxEvidence]
	}

	var sb strings.Builder
	for i, r := range ordered {
		c := lookup(r.ChunkID)
		if c == nil {
			continue
		}
		fmt.Fprintf(&sb, "[%d] %s:%d-%d\n%s\n\n", i+1, c.Path, c.Span.StartLine, c.Span.EndLine, c.Text)
	}
	return sb.String()
}

func sortedFused(fused map[string]*gatherer.FusedResult) []*gatherer.FusedResult {
	out := make([]*gatherer.FusedResult, 0, len(fused))
	for _, r := range fused {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// synthesizeAndCompress resolves fused results to chunks, builds
// citation sources, synthesizes and verifies an answer (§4.11), then
// fits it to the response token budget (§4.12).
func (o *Orchestrator) synthesizeAndCompress(ctx context.Context, query string, fused map[string]*gatherer.FusedResult, limit int, tel gatherer.Telemetry) (*AgentResponse, synthesize.Result) {
	all := sortedFused(fused)
	resultChunkIDs := make([]string, len(all))
	for i, r := range all {
		resultChunkIDs[i] = r.ChunkID
	}

	ordered := all
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	topChunkIDs := make([]string, len(ordered))
	for i, r := range ordered {
		topChunkIDs[i] = r.ChunkID
	}

	sources := make([]synthesize.Source, 0, len(ordered))
	refs := make([]SourceRef, 0, len(ordered))
	var summary SourcesSummary
	for _, r := range ordered {
		c := o.Lookup(r.ChunkID)
		if c == nil {
			continue
		}
		lines := [2]int{c.Span.StartLine, c.Span.EndLine}
		sources = append(sources, synthesize.Source{ChunkID: c.ID, File: c.Path, Lines: lines, Text: c.Text})
		refs = append(refs, SourceRef{File: c.Path, Lines: lines, Snippet: c.Text, Relevance: r.RRFScore, Kind: string(c.Metadata.Kind)})

		switch c.Metadata.Kind {
		case chunkKindCode, chunkKindConfig, chunkKindTest:
			summary.Code++
		case chunkKindDocs, chunkKindADR:
			summary.Docs++
		default:
			summary.External++
		}
	}

	result := synthesize.Synthesize(ctx, o.LLM, query, sources)
	compressed := compress.Compress(ctx, toCompressResponse(result, refs), compress.Budget{}, nil)

	// Compress only ever truncates the snippet slice's tail or shortens
	// lines within a snippet in place, so index alignment with refs
	// holds; it never reorders or drops from the middle.
	trimmedRefs := make([]SourceRef, len(compressed.Response.Snippets))
	for i, s := range compressed.Response.Snippets {
		ref := refs[i]
		ref.Snippet = s.Text()
		trimmedRefs[i] = ref
	}

	resp := &AgentResponse{
		Answer:         compressed.Response.Answer,
		Sources:        trimmedRefs,
		Confidence:     result.Confidence,
		SourcesSummary: summary,
		Warnings:       result.Warnings,
		resultChunkIDs: resultChunkIDs,
		topChunkIDs:    topChunkIDs,
	}
	if compressed.Strategy != compress.StrategyUnchanged {
		resp.Warnings = append(resp.Warnings, "RESPONSE_COMPRESSED: "+string(compressed.Strategy))
	}
	if tel.FailClosed {
		resp.Warnings = append(resp.Warnings, "PARTIAL_RESULTS_FAIL_CLOSED")
	}
	return resp, result
}

// chunk Kind string constants mirrored here to avoid importing
// internal/chunk just for its Kind type in a switch.
const (
	chunkKindCode   = "code"
	chunkKindConfig = "config"
	chunkKindTest   = "test"
	chunkKindDocs   = "docs"
	chunkKindADR    = "adr"
)

// toCompressResponse turns the synthesized answer and its source refs
// into the compressor's line-oriented shape.
func toCompressResponse(result synthesize.Result, refs []SourceRef) compress.Response {
	snippets := make([]compress.Snippet, len(refs))
	for i, ref := range refs {
		snippets[i] = compress.Snippet{File: ref.File, Lines: splitLines(ref.Snippet)}
	}
	return compress.Response{Answer: result.Answer, Snippets: snippets}
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
