// Package gatherer implements the Gatherer and Reranker collaborator of
// spec.md §4.9: execute sub-queries in parallel, fuse results with
// Reciprocal Rank Fusion, apply the intent-aware rerank multipliers,
// and enforce the evidence guarantee. The RRF core is adapted nearly
// verbatim from internal/search/fusion.go's RRFFusion (same algorithm,
// same k=60 default, same deterministic tie-break order), generalized
// to operate on chunk.Chunk directly instead of store.Chunk.
package gatherer

import (
	"context"
	"regexp"
	"sort"

	"github.com/kb-forge/coreengine/internal/chunk"
	"github.com/kb-forge/coreengine/internal/overlay"
	"github.com/kb-forge/coreengine/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultRRFConstant is the RRF smoothing parameter (§4.9, same value
// the teacher's fusion.go validated empirically).
const DefaultRRFConstant = 60

// FusedResult is a single chunk's merged score plus the telemetry the
// orchestrator aggregates across sub-queries.
type FusedResult struct {
	ChunkID     string
	RRFScore    float64
	BM25Score   float64
	BM25Rank    int
	VecScore    float64
	VecRank     int
	InBothLists bool
}

// Weights configures the relative importance of keyword vs vector
// search for a single sub-query, produced by internal/query/classifier.
type Weights struct {
	BM25     float64
	Semantic float64
}

// Telemetry is per-sub-query retrieval metadata, aggregated by the
// caller across all sub-queries per §4.9's worst-wins/OR/sum/min rules.
type Telemetry struct {
	Staleness        overlay.Staleness
	FreshnessApplied bool
	Boosted          int
	Conflicts        int
	Confidence       float64
	FailClosed       bool
}

// MergeTelemetry combines two sub-queries' telemetry per §4.9: worst
// staleness wins, freshness_applied/fail_closed OR, boosted/conflict
// counters sum, confidence floor is the min.
func MergeTelemetry(a, b Telemetry) Telemetry {
	return Telemetry{
		Staleness:        overlay.Worst(a.Staleness, b.Staleness),
		FreshnessApplied: a.FreshnessApplied || b.FreshnessApplied,
		Boosted:          a.Boosted + b.Boosted,
		Conflicts:        a.Conflicts + b.Conflicts,
		Confidence:       minFloat(a.Confidence, b.Confidence),
		FailClosed:       a.FailClosed || b.FailClosed,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// fuse implements Reciprocal Rank Fusion, adapted from
// internal/search/fusion.go's RRFFusion.Fuse.
func fuse(bm25 []*store.BM25Result, vec []*store.VectorResult, weights Weights) []*FusedResult {
	if len(bm25) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	scores := make(map[string]*FusedResult, len(bm25)+len(vec))
	getOrCreate := func(id string) *FusedResult {
		if r, ok := scores[id]; ok {
			return r
		}
		r := &FusedResult{ChunkID: id}
		scores[id] = r
		return r
	}

	for rank, r := range bm25 {
		fr := getOrCreate(r.DocID)
		fr.BM25Score = r.Score
		fr.BM25Rank = rank + 1
		fr.RRFScore += weights.BM25 / float64(DefaultRRFConstant+rank+1)
	}
	for rank, r := range vec {
		fr := getOrCreate(r.ID)
		fr.VecScore = float64(r.Score)
		fr.VecRank = rank + 1
		fr.RRFScore += weights.Semantic / float64(DefaultRRFConstant+rank+1)
		if fr.BM25Rank > 0 {
			fr.InBothLists = true
		}
	}

	missingRank := len(bm25) + 1
	if len(vec) > len(bm25) {
		missingRank = len(vec) + 1
	}
	for _, r := range scores {
		if r.BM25Rank == 0 && r.VecRank > 0 {
			r.RRFScore += weights.BM25 / float64(DefaultRRFConstant+missingRank)
		}
		if r.VecRank == 0 && r.BM25Rank > 0 {
			r.RRFScore += weights.Semantic / float64(DefaultRRFConstant+missingRank)
		}
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].RRFScore != results[j].RRFScore {
			return results[i].RRFScore > results[j].RRFScore
		}
		if results[i].InBothLists != results[j].InBothLists {
			return results[i].InBothLists
		}
		if results[i].BM25Score != results[j].BM25Score {
			return results[i].BM25Score > results[j].BM25Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > 0 && results[0].RRFScore > 0 {
		max := results[0].RRFScore
		for _, r := range results {
			r.RRFScore /= max
		}
	}
	return results
}

// SubQueryFunc executes one sub-query and returns its raw BM25/vector
// results; the caller wires this to store.BM25Index.Search / the
// overlay-composed store.VectorStore.Search.
type SubQueryFunc func(ctx context.Context, query string) ([]*store.BM25Result, []*store.VectorResult, error)

// SubQuery pairs a sub-query string with its classifier-chosen weights.
type SubQuery struct {
	Query   string
	Weights Weights
}

// Gather executes every sub-query in parallel and deduplicates by
// chunk ID, keeping the highest RRFScore per §4.9.
func Gather(ctx context.Context, subQueries []SubQuery, exec SubQueryFunc) (map[string]*FusedResult, error) {
	perQuery := make([][]*FusedResult, len(subQueries))

	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range subQueries {
		i, sq := i, sq
		g.Go(func() error {
			bm25, vec, err := exec(gctx, sq.Query)
			if err != nil {
				return err
			}
			perQuery[i] = fuse(bm25, vec, sq.Weights)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]*FusedResult)
	for _, results := range perQuery {
		for _, r := range results {
			existing, ok := merged[r.ChunkID]
			if !ok || r.RRFScore > existing.RRFScore {
				merged[r.ChunkID] = r
			}
		}
	}
	return merged, nil
}

var (
	identifierPattern = regexp.MustCompile("`[^`]+`|\\b[a-z]+([A-Z][a-z0-9]*)+\\b|\\b[a-z]+(_[a-z0-9]+)+\\b")
	adrPathPattern     = regexp.MustCompile(`(?i)(^|/)(adr|docs/adr|architecture)(/|$)`)
	planDocPattern     = regexp.MustCompile(`(?i)(plan|improvement|todo|task)`)
	cliPathPattern     = regexp.MustCompile(`(?i)(cli|commands?/|package\.json$)`)
	commandLikeQuery   = regexp.MustCompile(`(?i)\b(run|command|cli|invoke|execute)\b`)
	architectureQuery  = regexp.MustCompile(`(?i)(architecture|design|how does)`)
)

// Mode selects the thinking/auto boost magnitudes of §4.9.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeThinking Mode = "thinking"
)

// Rerank applies the §4.9 intent-aware multipliers for technical
// queries only: exact identifier hits, code/config boosts, doc
// penalties, ADR/CLI path adjustments. Returns the number of chunks
// whose score was boosted (>1.0 multiplier applied), for telemetry.
func Rerank(query string, mode Mode, results []*FusedResult, lookup func(chunkID string) *chunk.Chunk) (boosted int) {
	if !isTechnicalQuery(query) {
		return 0
	}

	codeBoost := 1.1
	docPenalty := 0.85
	if mode == ModeThinking {
		codeBoost = 1.2
		docPenalty = 0.72
	}

	isCommandLike := commandLikeQuery.MatchString(query)
	isArchitectureQuery := architectureQuery.MatchString(query)

	for _, r := range results {
		c := lookup(r.ChunkID)
		if c == nil {
			continue
		}
		multiplier := 1.0

		identifierMatches := len(identifierPattern.FindAllString(c.Text, -1)) + len(identifierPattern.FindAllString(c.Path, -1))
		if identifierMatches > 0 {
			multiplier *= 1 + minFloat(0.5, 0.25*float64(identifierMatches))
		}

		switch c.Metadata.Kind {
		case chunk.KindCode, chunk.KindConfig:
			multiplier *= codeBoost
		case chunk.KindDocs, chunk.KindADR:
			if identifierMatches == 0 {
				multiplier *= docPenalty
			}
		}

		if c.Metadata.Kind == chunk.KindADR && isArchitectureQuery {
			multiplier *= 1.14
		}
		if planDocPattern.MatchString(c.Path) {
			multiplier *= 0.80
		}
		if cliPathPattern.MatchString(c.Path) && isCommandLike {
			multiplier *= 1.16
		} else if c.Metadata.Kind == chunk.KindDocs && isCommandLike {
			multiplier *= 0.84
		}

		if multiplier != 1.0 {
			r.RRFScore *= multiplier
			if multiplier > 1.0 {
				boosted++
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].RRFScore != results[j].RRFScore {
			return results[i].RRFScore > results[j].RRFScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return boosted
}

func isTechnicalQuery(query string) bool {
	return identifierPattern.MatchString(query)
}

// EvidenceGuarantee implements §4.9's final step: if no code chunk
// appears in the top k (3 for auto, 5 for thinking), promote the
// first code chunk found anywhere to position min(k-1, len(results)).
func EvidenceGuarantee(mode Mode, results []*FusedResult, lookup func(chunkID string) *chunk.Chunk) []*FusedResult {
	k := 3
	if mode == ModeThinking {
		k = 5
	}
	top := results
	if len(top) > k {
		top = top[:k]
	}

	for _, r := range top {
		if c := lookup(r.ChunkID); c != nil && c.Metadata.Kind == chunk.KindCode {
			return results
		}
	}

	codeIdx := -1
	for i, r := range results {
		if c := lookup(r.ChunkID); c != nil && c.Metadata.Kind == chunk.KindCode {
			codeIdx = i
			break
		}
	}
	if codeIdx == -1 {
		return results
	}

	pos := k - 1
	if pos > len(results)-1 {
		pos = len(results) - 1
	}
	if codeIdx == pos {
		return results
	}

	promoted := make([]*FusedResult, len(results))
	copy(promoted, results)
	item := promoted[codeIdx]
	promoted = append(promoted[:codeIdx], promoted[codeIdx+1:]...)
	promoted = append(promoted[:pos], append([]*FusedResult{item}, promoted[pos:]...)...)
	return promoted
}
