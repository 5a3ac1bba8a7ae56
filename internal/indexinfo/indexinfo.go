// Package indexinfo implements the "index info / doctor reporting"
// supplemented feature of SPEC_FULL.md §12: a single report combining
// a scope's IndexManifest stats, embedder dimension compatibility, and
// cross-store consistency results. Adapted from the teacher's
// internal/preflight (system-level checks) plus
// cmd/amanmcp/cmd/doctor.go's report-assembly shape, generalized from
// "is this machine able to run AmanMCP" to "is this scope's index
// internally consistent and embedder-compatible" per §12.
package indexinfo

import (
	"context"
	"time"

	"github.com/kb-forge/coreengine/internal/consistency"
	"github.com/kb-forge/coreengine/internal/embedprovider"
	"github.com/kb-forge/coreengine/internal/preflight"
	"github.com/kb-forge/coreengine/internal/store"
)

// Report is the combined "doctor" view of one scope's index health.
type Report struct {
	ScopeID string

	ManifestFound      bool
	Manifest           *store.IndexManifest
	EmbedderDimension  int
	EmbedderCompatible bool // false only when ManifestFound and dimensions disagree

	Preflight         []preflight.CheckResult
	PreflightCritical bool

	Consistency *consistency.CheckResult

	Duration time.Duration
}

// Builder assembles a Report from a scope's stores plus the
// system-level preflight checker.
type Builder struct {
	Preflight *preflight.Checker
}

// NewBuilder constructs a Builder; a nil preflightChecker is replaced by
// preflight.New(), so the system-level checks always run.
func NewBuilder(preflightChecker *preflight.Checker) *Builder {
	if preflightChecker == nil {
		preflightChecker = preflight.New()
	}
	return &Builder{Preflight: preflightChecker}
}

// Build runs every check for scopeID and returns the combined report.
// projectPath is passed through to the preflight disk/permission
// checks, which operate on the filesystem rather than the scope's
// stores.
func (b *Builder) Build(ctx context.Context, scopeID, projectPath string, metadata store.MetadataStore, bm25 store.BM25Index, vector store.VectorStore, embedder embedprovider.EmbeddingProvider) (*Report, error) {
	start := time.Now()
	report := &Report{ScopeID: scopeID}

	manifest, err := metadata.GetManifest(ctx, scopeID)
	if err == nil && manifest != nil {
		report.ManifestFound = true
		report.Manifest = manifest
	}

	if embedder != nil {
		report.EmbedderDimension = embedder.Dimension()
		report.EmbedderCompatible = !report.ManifestFound || manifest.Stats.EmbeddingDimension == report.EmbedderDimension
	} else {
		report.EmbedderCompatible = true
	}

	report.Preflight = b.Preflight.RunAll(ctx, projectPath)
	report.PreflightCritical = b.Preflight.HasCriticalFailures(report.Preflight)

	checker := consistency.NewChecker(metadata, bm25, vector)
	cr, err := checker.Check(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	report.Consistency = cr

	report.Duration = time.Since(start)
	return report, nil
}

// Healthy reports whether the scope's index has no blocking issues: a
// manifest exists, the embedder is dimension-compatible, no critical
// preflight failure, and no cross-store inconsistency.
func (r *Report) Healthy() bool {
	return r.ManifestFound &&
		r.EmbedderCompatible &&
		!r.PreflightCritical &&
		r.Consistency != nil && len(r.Consistency.Inconsistencies) == 0
}
