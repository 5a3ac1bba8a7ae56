// Package validation provides test infrastructure for dogfooding validation.
// It runs data-driven queries straight through an Orchestrator against a
// real on-disk index, the same wiring cmd/kbengine's query command uses,
// so validation results track the actual query path rather than a
// separate test harness.
//
// Validation queries are data-driven, loaded from testdata/queries.yaml.
// This follows the Unix Philosophy: "Data-driven behavior" - queries can be
// modified without rebuilding the application. The repository ships no
// testdata/queries.yaml; without it LoadQueries returns an error and
// Tier1Queries, Tier2Queries and NegativeQueries return nil.
package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kb-forge/coreengine/internal/chunk"
	"github.com/kb-forge/coreengine/internal/config"
	"github.com/kb-forge/coreengine/internal/embedprovider"
	"github.com/kb-forge/coreengine/internal/gitscan"
	"github.com/kb-forge/coreengine/internal/orchestrator"
	"github.com/kb-forge/coreengine/internal/overlay"
	"github.com/kb-forge/coreengine/internal/query/cache"
	"github.com/kb-forge/coreengine/internal/retrieval"
	"github.com/kb-forge/coreengine/internal/store"
	"gopkg.in/yaml.v3"
)

// QuerySpec defines a test query with expected results.
type QuerySpec struct {
	ID       string   `yaml:"id"`       // e.g., "T1-Q7"
	Name     string   `yaml:"name"`     // Human-readable name
	Query    string   `yaml:"query"`    // The search query
	Tool     string   `yaml:"tool"`     // orchestrator mode: "instant", "auto", or "thinking"
	Expected []string `yaml:"expected"` // File paths or prefixes that should appear in results
	Notes    string   `yaml:"notes"`    // Optional explanation for maintainers
	Tier     int      `yaml:"-"`        // Set programmatically based on section
}

// QueryConfig holds all validation queries loaded from YAML.
type QueryConfig struct {
	Tier1    []QuerySpec `yaml:"tier1"`
	Tier2    []QuerySpec `yaml:"tier2"`
	Negative []QuerySpec `yaml:"negative"`
}

var (
	queriesOnce sync.Once
	queriesData *QueryConfig
	queriesErr  error
)

// LoadQueries loads validation queries from the testdata/queries.yaml file.
// Results are cached after first load (singleton pattern).
func LoadQueries() (*QueryConfig, error) {
	queriesOnce.Do(func() {
		// Get the directory of this source file
		_, filename, _, ok := runtime.Caller(0)
		if !ok {
			queriesErr = fmt.Errorf("failed to get current file path")
			return
		}

		// testdata/queries.yaml is relative to this file
		dir := filepath.Dir(filename)
		path := filepath.Join(dir, "testdata", "queries.yaml")

		data, err := os.ReadFile(path)
		if err != nil {
			queriesErr = fmt.Errorf("failed to read queries file %s: %w", path, err)
			return
		}

		var cfg QueryConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			queriesErr = fmt.Errorf("failed to parse queries YAML: %w", err)
			return
		}

		// Set tier values programmatically
		for i := range cfg.Tier1 {
			cfg.Tier1[i].Tier = 1
		}
		for i := range cfg.Tier2 {
			cfg.Tier2[i].Tier = 2
		}
		for i := range cfg.Negative {
			cfg.Negative[i].Tier = 0
		}

		queriesData = &cfg
	})

	return queriesData, queriesErr
}

// ResetQueries clears the cached queries (for testing).
func ResetQueries() {
	queriesOnce = sync.Once{}
	queriesData = nil
	queriesErr = nil
}

// TestResult captures the outcome of a single query test.
type TestResult struct {
	Spec       QuerySpec     `json:"spec"`
	Passed     bool          `json:"passed"`
	Duration   time.Duration `json:"duration_ms"`
	TopResults []string      `json:"top_results"` // File paths returned
	MatchedAt  int           `json:"matched_at"`  // Position of first match (-1 if not found)
	Error      string        `json:"error,omitempty"`
}

// ValidationResult captures results of a full validation run.
type ValidationResult struct {
	Timestamp   time.Time    `json:"timestamp"`
	Tier1       []TestResult `json:"tier1"`
	Tier2       []TestResult `json:"tier2"`
	Negative    []TestResult `json:"negative"`
	Tier1Pass   int          `json:"tier1_pass"`
	Tier1Total  int          `json:"tier1_total"`
	Tier2Pass   int          `json:"tier2_pass"`
	Tier2Total  int          `json:"tier2_total"`
	NegPass     int          `json:"negative_pass"`
	NegTotal    int          `json:"negative_total"`
	Embedder    string       `json:"embedder"`
	IndexChunks int          `json:"index_chunks"`
}

// Tier1Queries returns the standard Tier 1 validation queries.
// Queries are loaded from testdata/queries.yaml - no rebuild required to modify.
func Tier1Queries() []QuerySpec {
	cfg, err := LoadQueries()
	if err != nil {
		// Return empty slice on error - tests will report 0/0
		return nil
	}
	return cfg.Tier1
}

// Tier2Queries returns the Tier 2 validation queries.
// Queries are loaded from testdata/queries.yaml - no rebuild required to modify.
func Tier2Queries() []QuerySpec {
	cfg, err := LoadQueries()
	if err != nil {
		return nil
	}
	return cfg.Tier2
}

// NegativeQueries returns negative test cases that should not crash.
// Queries are loaded from testdata/queries.yaml - no rebuild required to modify.
func NegativeQueries() []QuerySpec {
	cfg, err := LoadQueries()
	if err != nil {
		return nil
	}
	return cfg.Negative
}

// Validator runs validation queries against a live Orchestrator.
type Validator struct {
	orchestrator *orchestrator.Orchestrator
	metadata     store.MetadataStore
	vector       store.VectorStore
	bm25         store.BM25Index
	embedder     embedprovider.EmbeddingProvider
	scopeID      string
}

// ErrIndexLocked indicates another process has the index locked.
var ErrIndexLocked = fmt.Errorf("index is locked by another process (stop kbengine serve first)")

// NewValidator creates a validator for the given project root, opening
// the same on-disk stores and Orchestrator wiring as cmd/kbengine.
//
// Note: For the Bleve BM25 backend, this requires exclusive access to
// the index. If another process has it open, this returns ErrIndexLocked.
// The SQLite BM25 backend supports concurrent access.
func NewValidator(ctx context.Context, projectRoot string) (*Validator, error) {
	dataDir := filepath.Join(projectRoot, ".kb", "mind", "indexes", "default")

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found at %s - run 'kbengine index' first", dataDir)
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		cfg = config.NewConfig()
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	backend := cfg.Search.BM25Backend
	if backend == "" {
		if detected := store.DetectBM25Backend(bm25BasePath); detected != "" {
			backend = string(detected)
		} else {
			backend = "sqlite"
		}
	}

	if backend == "bleve" {
		lockPath := filepath.Join(dataDir, "bm25.bleve", "index_meta.json")
		if _, err := os.Stat(lockPath); err == nil {
			type result struct {
				bm25 store.BM25Index
				err  error
			}
			done := make(chan result, 1)
			bm25Path := filepath.Join(dataDir, "bm25.bleve")

			go func() {
				bm25, err := store.NewBleveBM25Index(bm25Path, store.DefaultBM25Config())
				done <- result{bm25, err}
			}()

			select {
			case r := <-done:
				if r.err != nil {
					return nil, fmt.Errorf("failed to open BM25 index: %w", r.err)
				}
				return newValidatorWithBM25(ctx, projectRoot, dataDir, r.bm25)
			case <-time.After(5 * time.Second):
				return nil, ErrIndexLocked
			}
		}
	}

	metadata, err := store.NewSQLiteMetadataStore(metadataPath, store.DriverPure)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}

	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), backend)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	return newValidatorWithStores(ctx, projectRoot, dataDir, cfg, metadata, bm25)
}

// newValidatorWithBM25 continues validator creation after BM25 is opened.
func newValidatorWithBM25(ctx context.Context, projectRoot, dataDir string, bm25 store.BM25Index) (*Validator, error) {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteMetadataStore(metadataPath, store.DriverPure)
	if err != nil {
		_ = bm25.Close()
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}

	return newValidatorWithStores(ctx, projectRoot, dataDir, cfg, metadata, bm25)
}

// newValidatorWithStores creates a validator with pre-opened stores.
func newValidatorWithStores(ctx context.Context, projectRoot, dataDir string, cfg *config.Config, metadata store.MetadataStore, bm25 store.BM25Index) (*Validator, error) {
	embedder := embedprovider.NewStaticAdapter()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	dims := cfg.Embeddings.Dimensions
	if dims <= 0 {
		dims = embedder.Dimension()
	}
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if _, err := os.Stat(vectorPath); err == nil {
		_ = vector.Load(vectorPath) // Non-fatal, continue with empty vectors if load fails
	}

	detector := gitscan.New(projectRoot)
	ov := overlay.New(vector, vector, bm25, bm25, "", overlay.DefaultConfig())
	pathOf := func(chunkID string) string {
		c, err := metadata.GetChunk(ctx, chunkID)
		if err != nil || c == nil {
			return ""
		}
		return c.Path
	}
	retriever := retrieval.New(ov, embedder, pathOf, detector)
	lookup := func(chunkID string) *chunk.Chunk {
		c, err := metadata.GetChunk(ctx, chunkID)
		if err != nil {
			return nil
		}
		return c
	}
	orch := orchestrator.New(retriever, lookup, nil, cache.New(cfg.Performance.CacheSize))

	return &Validator{
		orchestrator: orch,
		metadata:     metadata,
		vector:       vector,
		bm25:         bm25,
		embedder:     embedder,
		scopeID:      "default",
	}, nil
}

// Close releases resources.
func (v *Validator) Close() error {
	var err error
	if e := v.metadata.Close(); e != nil {
		err = e
	}
	if e := v.vector.Close(); e != nil && err == nil {
		err = e
	}
	if e := v.bm25.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

// RunQuery executes a single query and returns the result.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	start := time.Now()
	result := TestResult{
		Spec:      spec,
		MatchedAt: -1,
	}

	mode := orchestrator.Mode(spec.Tool)
	if mode == "" {
		mode = orchestrator.ModeAuto
	}

	resp, errResp := v.orchestrator.Handle(ctx, orchestrator.Request{
		RequestID: spec.ID,
		ScopeID:   v.scopeID,
		Mode:      mode,
		Query:     spec.Query,
	})
	result.Duration = time.Since(start)

	if errResp != nil {
		// For negative tests, errors are acceptable.
		if spec.Tier == 0 {
			result.Passed = true
		} else {
			result.Error = errResp.Error.Message
		}
		return result
	}

	for _, src := range resp.Sources {
		result.TopResults = append(result.TopResults, src.File)
	}

	if len(spec.Expected) == 0 {
		// Negative test - just needs to not crash.
		result.Passed = true
	} else {
		result.Passed, result.MatchedAt = checkExpected(result.TopResults, spec.Expected)
	}

	return result
}

// RunAll executes all validation queries and returns results.
func (v *Validator) RunAll(ctx context.Context) *ValidationResult {
	result := &ValidationResult{
		Timestamp: time.Now(),
		Embedder:  "static",
	}

	for _, spec := range Tier1Queries() {
		tr := v.RunQuery(ctx, spec)
		result.Tier1 = append(result.Tier1, tr)
		result.Tier1Total++
		if tr.Passed {
			result.Tier1Pass++
		}
	}

	for _, spec := range Tier2Queries() {
		tr := v.RunQuery(ctx, spec)
		result.Tier2 = append(result.Tier2, tr)
		result.Tier2Total++
		if tr.Passed {
			result.Tier2Pass++
		}
	}

	for _, spec := range NegativeQueries() {
		tr := v.RunQuery(ctx, spec)
		result.Negative = append(result.Negative, tr)
		result.NegTotal++
		if tr.Passed {
			result.NegPass++
		}
	}

	return result
}

// checkExpected verifies if any expected file appears in results.
func checkExpected(results []string, expected []string) (bool, int) {
	for i, path := range results {
		for _, exp := range expected {
			if strings.HasPrefix(path, exp) || strings.Contains(path, exp) {
				return true, i
			}
		}
	}
	return false, -1
}
