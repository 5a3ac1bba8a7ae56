// Package orchestrator implements the Orchestrator collaborator of
// spec.md §4.14: mode routing (instant/auto/thinking), the
// context-consistency gate, and end-to-end pipeline wiring across the
// classifier, decomposer, gatherer, completeness checker, synthesizer,
// compressor, and cache. It is the top of the leaves-first dependency
// order (§2): every other component is a parameter here, not an
// import-time dependency, matching the teacher's style of wiring
// collaborators through constructor fields (internal/mcp.Server,
// internal/daemon.Server) rather than package-level globals.
package orchestrator

import (
	"context"
	"time"

	"github.com/kb-forge/coreengine/internal/chunk"
	amerrors "github.com/kb-forge/coreengine/internal/errors"
	"github.com/kb-forge/coreengine/internal/llmprovider"
	"github.com/kb-forge/coreengine/internal/overlay"
	"github.com/kb-forge/coreengine/internal/query/cache"
	"github.com/kb-forge/coreengine/internal/query/gatherer"
	"github.com/kb-forge/coreengine/internal/store"
)

// Mode selects which of §4.14's three pipelines a request runs.
type Mode string

const (
	ModeInstant  Mode = "instant"
	ModeAuto     Mode = "auto"
	ModeThinking Mode = "thinking"
)

// SchemaVersion is the wire schema version every response carries
// (§6).
const SchemaVersion = "agent-response-v1"

// DefaultMaxIterations is thinking mode's default completeness-loop
// cap (§4.14).
const DefaultMaxIterations = 3

// instantUpgradeConfidence is §4.14's instant->auto transparent
// upgrade threshold.
const instantUpgradeConfidence = 0.3

// thinkingEarlyStopConfidence is §4.14's early-exit confidence floor.
const thinkingEarlyStopConfidence = 0.8

// relevantScoreThreshold buckets a fused result as "relevant" for the
// completeness heuristic's relevant/5 term (§4.10); spec.md leaves the
// exact cutoff unspecified, so this mirrors the reranker's own
// evidence-guarantee notion of a usable result.
const relevantScoreThreshold = 0.5

// Request carries everything a single query needs, including the
// context triple the consistency gate (§4.14) checks.
type Request struct {
	RequestID        string
	ScopeID          string
	Mode             Mode
	Query            string
	IndexRevision    string
	EngineConfigHash string
	SourcesDigest    string // optional; empty means "not checked"
}

// SourceRef is one citation surfaced on the wire response (§6).
type SourceRef struct {
	File      string
	Lines     [2]int
	Snippet   string
	Relevance float64
	Kind      string
}

// SourcesSummary buckets returned sources by provenance (§6).
type SourcesSummary struct {
	Code     int
	Docs     int
	External int
}

// Meta is the response envelope's bookkeeping (§6).
type Meta struct {
	SchemaVersion string
	RequestID     string
	Mode          Mode
	TimingMs      int64
	Cached        bool
	IndexVersion  string
	Iterations    int
}

// AgentResponse is the wire success shape of §6.
type AgentResponse struct {
	Answer         string
	Sources        []SourceRef
	Confidence     float64
	Complete       bool
	SourcesSummary SourcesSummary
	Warnings       []string
	Suggestions    []string
	Meta           Meta

	// resultChunkIDs/topChunkIDs are not part of the wire contract;
	// they carry the gatherer's fused chunk IDs through to
	// recordHistory's QueryHistoryEntry (§3, §12 supplement) without
	// widening AgentResponse's external shape.
	resultChunkIDs []string
	topChunkIDs    []string
}

// AgentErrorResponse is the wire error shape of §6.
type AgentErrorResponse struct {
	Error *amerrors.WireError
	Meta  Meta
}

// Retriever executes one sub-query against a scope's hybrid index,
// returning the keyword and vector halves the Gatherer fuses (§4.9).
// Implementations wire this to the scope's overlay.Store
// (vector+BM25) with query embedding already performed.
type Retriever interface {
	Search(ctx context.Context, query string, weights gatherer.Weights, limit int) ([]*store.BM25Result, []*store.VectorResult, error)
	Staleness() overlay.Staleness
}

// ChunkLookup resolves a chunk ID to its full chunk, for reranking,
// evidence guarantee, and citation rendering.
type ChunkLookup func(chunkID string) *chunk.Chunk

// HistoryRecorder persists the session-scoped query history / feedback
// supplement of SPEC_FULL.md §12 (spec.md §3 QueryHistoryEntry /
// FeedbackEntry). Implementations wire this to a
// store.MetadataStore's SaveQueryHistory; nil disables recording, the
// same opt-in-collaborator convention as a nil LLM.
type HistoryRecorder interface {
	SaveQueryHistory(ctx context.Context, entry *store.QueryHistoryEntry) error
}

// Orchestrator wires every collaborator of §2's leaves-first table
// into the three mode pipelines of §4.14.
type Orchestrator struct {
	Retriever     Retriever
	Lookup        ChunkLookup
	LLM           llmprovider.LLMProvider // nil disables decomposition/judgment/synthesis LLM calls
	Cache         *cache.Cache
	History       HistoryRecorder // nil disables query-history recording
	MaxIterations int
	Now           func() time.Time
}

// New constructs an Orchestrator with sane defaults for fields left
// zero.
func New(retriever Retriever, lookup ChunkLookup, llm llmprovider.LLMProvider, c *cache.Cache) *Orchestrator {
	if c == nil {
		c = cache.New(cache.DefaultMaxSize)
	}
	return &Orchestrator{
		Retriever:     retriever,
		Lookup:        lookup,
		LLM:           llm,
		Cache:         c,
		MaxIterations: DefaultMaxIterations,
		Now:           time.Now,
	}
}

// Handle routes req to its mode pipeline, enforcing the cache lookup
// and context-consistency gate of §4.14 first. Exactly one of the
// returned pointers is non-nil.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*AgentResponse, *AgentErrorResponse) {
	start := o.Now()

	if err := validateRequest(req); err != nil {
		return nil, o.errorResponse(req, start, err)
	}

	cacheKey := cache.Key{
		ScopeID:          req.ScopeID,
		Mode:             cache.Mode(req.Mode),
		Query:            req.Query,
		IndexRevision:    req.IndexRevision,
		EngineConfigHash: req.EngineConfigHash,
		SourcesDigest:    req.SourcesDigest,
	}

	if entry, ok := o.Cache.Get(cacheKey); ok {
		if gateErr := o.checkConsistency(req, entry.IndexRevision, entry.EngineConfigHash, entry.SourcesDigest); gateErr != nil {
			o.Cache.InvalidateScope(req.ScopeID)
			return nil, o.errorResponse(req, start, gateErr)
		}
		resp, ok := entry.Response.(AgentResponse)
		if ok {
			resp.Meta.Cached = true
			resp.Meta.TimingMs = time.Since(start).Milliseconds()
			return &resp, nil
		}
	}

	var (
		resp *AgentResponse
		err  error
	)
	switch req.Mode {
	case ModeInstant:
		resp, err = o.runInstant(ctx, req)
	case ModeAuto:
		resp, err = o.runAuto(ctx, req)
	case ModeThinking:
		resp, err = o.runThinking(ctx, req)
	default:
		err = amerrors.NewWireError(amerrors.WireQueryInvalid, "unknown mode: "+string(req.Mode), nil)
	}
	if err != nil {
		return nil, o.errorResponse(req, start, err)
	}

	resp.Meta.SchemaVersion = SchemaVersion
	resp.Meta.RequestID = req.RequestID
	resp.Meta.Mode = req.Mode
	resp.Meta.IndexVersion = req.IndexRevision
	resp.Meta.TimingMs = time.Since(start).Milliseconds()
	resp.Meta.Cached = false

	o.Cache.Put(cacheKey, cache.Entry{
		Response:         *resp,
		IndexRevision:    req.IndexRevision,
		EngineConfigHash: req.EngineConfigHash,
		SourcesDigest:    req.SourcesDigest,
		Confidence:       resp.Confidence,
	})

	o.recordHistory(ctx, req, cacheKey, resp)

	return resp, nil
}

// recordHistory persists one QueryHistoryEntry per freshly-answered
// request (never for cache hits, which already have an entry from
// when they were first computed). Best-effort: a history-store
// failure must never fail the query itself, matching §7's policy that
// ambient bookkeeping is never on the critical error path.
func (o *Orchestrator) recordHistory(ctx context.Context, req Request, key cache.Key, resp *AgentResponse) {
	if o.History == nil {
		return
	}
	entry := &store.QueryHistoryEntry{
		QueryID:        req.RequestID,
		QueryText:      req.Query,
		QueryHash:      key.Hash(),
		ScopeID:        req.ScopeID,
		Timestamp:      o.Now(),
		ResultChunkIDs: resp.resultChunkIDs,
		TopChunkIDs:    resp.topChunkIDs,
	}
	_ = o.History.SaveQueryHistory(ctx, entry)
}

func validateRequest(req Request) error {
	if req.Query == "" {
		return amerrors.NewWireError(amerrors.WireQueryInvalid, "query must not be empty", nil)
	}
	if req.ScopeID == "" {
		return amerrors.NewWireError(amerrors.WireQueryInvalid, "scope_id is required", nil)
	}
	return nil
}

// checkConsistency implements §4.14's gate: the retrieval context a
// cached/fresh result was produced under must match the request's.
func (o *Orchestrator) checkConsistency(req Request, gotRevision, gotConfigHash, gotSourcesDigest string) error {
	if gotRevision != req.IndexRevision {
		return amerrors.NewWireError(amerrors.WireIndexNotFound, "index revision mismatch (rebuild occurred since this context was established)", nil)
	}
	if gotConfigHash != req.EngineConfigHash {
		return amerrors.NewWireError(amerrors.WireIndexNotFound, "engine config hash mismatch", nil)
	}
	if req.SourcesDigest != "" && gotSourcesDigest != req.SourcesDigest {
		return amerrors.NewWireError(amerrors.WireIndexNotFound, "sources digest mismatch", nil)
	}
	return nil
}

func (o *Orchestrator) errorResponse(req Request, start time.Time, err error) *AgentErrorResponse {
	wireErr, ok := err.(*amerrors.WireError)
	if !ok {
		wireErr = amerrors.NewWireError(amerrors.WireEngineError, err.Error(), err)
	}
	return &AgentErrorResponse{
		Error: wireErr,
		Meta: Meta{
			SchemaVersion: SchemaVersion,
			RequestID:     req.RequestID,
			Mode:          req.Mode,
			TimingMs:      time.Since(start).Milliseconds(),
		},
	}
}
