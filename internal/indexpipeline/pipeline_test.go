package indexpipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-forge/coreengine/internal/chunk"
	"github.com/kb-forge/coreengine/internal/embedprovider"
	amerrors "github.com/kb-forge/coreengine/internal/errors"
	"github.com/kb-forge/coreengine/internal/store"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestConfig(t *testing.T, rootDir string) Config {
	t.Helper()
	metadata, err := store.NewSQLiteMetadataStore("", store.DriverPure)
	require.NoError(t, err)
	t.Cleanup(func() { _ = metadata.Close() })

	vectors, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(8))
	require.NoError(t, err)

	return Config{
		ScopeID:  "scope-1",
		SourceID: "src-1",
		RootDir:  rootDir,
		Registry: chunk.NewChunkerRegistry(),
		Embedder: embedprovider.NewStaticAdapter(),
		Metadata: metadata,
		Vectors:  vectors,
	}
}

func TestPipeline_Run_DiscoversChunksEmbedsAndPersists(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "# Title\n\nSome content about the system.\n")
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	p := New(newTestConfig(t, dir))
	stats, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.FilesDiscovered)
	assert.Equal(t, 2, stats.FilesFiltered)
	assert.Greater(t, stats.ChunksProduced, 0)
	assert.Equal(t, stats.ChunksProduced, stats.ChunksEmbedded+stats.ChunksSkipped)
}

func TestPipeline_Run_SecondRunSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "# Title\n\nSome content about the system.\n")
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	p := New(newTestConfig(t, dir))

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, first.FilesSkipped)
	assert.Greater(t, first.ChunksProduced, 0)

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.FilesSkipped)
	assert.Equal(t, 0, second.ChunksProduced)
}

func TestPipeline_Run_MtimeBumpWithoutContentChangeStillSkips(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	p := New(newTestConfig(t, dir))

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "main.go"), future, future))

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.FilesSkipped)
	assert.Equal(t, 0, second.ChunksProduced)
}

func TestPipeline_Run_ReindexesChangedFileAndEvictsStaleChunks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	cfg := newTestConfig(t, dir)
	p := New(cfg)

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, first.ChunksProduced, 0)

	before, err := cfg.Metadata.GetChunksByPath(context.Background(), cfg.ScopeID, "main.go")
	require.NoError(t, err)
	require.NotEmpty(t, before)
	beforeIDs := make(map[string]struct{}, len(before))
	for _, c := range before {
		beforeIDs[c.ID] = struct{}{}
	}

	writeFile(t, dir, "main.go", "package main\n\nfunc main() {\n\tprintln(\"changed\")\n}\n")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "main.go"), future, future))

	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.FilesSkipped)
	assert.Greater(t, second.ChunksProduced, 0)

	after, err := cfg.Metadata.GetChunksByPath(context.Background(), cfg.ScopeID, "main.go")
	require.NoError(t, err)
	for _, c := range after {
		_, stale := beforeIDs[c.ID]
		assert.False(t, stale, "stale chunk %s from the old file content survived re-indexing", c.ID)
	}
}

func TestPipeline_Run_RejectsConcurrentBuildOnSameDataDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	dataDir := t.TempDir()
	cfg := newTestConfig(t, dir)
	cfg.DataDir = dataDir

	held := flock.New(filepath.Join(dataDir, "index.lock"))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = held.Unlock() }()

	p := New(cfg)
	_, err = p.Run(context.Background())
	assert.Error(t, err, "Run should refuse to start while another process holds the build lock")
}

func TestPipeline_Discover_RespectsGitignore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "ignored.md\n")
	writeFile(t, dir, "ignored.md", "# should be skipped\n")
	writeFile(t, dir, "kept.md", "# kept\n")

	p := New(newTestConfig(t, dir))
	paths, err := p.discover()
	require.NoError(t, err)

	var names []string
	for _, path := range paths {
		names = append(names, filepath.Base(path))
	}
	assert.Contains(t, names, "kept.md")
	assert.NotContains(t, names, "ignored.md")
}

func TestBatchByTokenBudget_SplitsOnTokenBudgetAndMaxBatchSize(t *testing.T) {
	chunks := []*chunk.Chunk{
		{ID: "a", Text: "1234567890"}, // ~3 tokens
		{ID: "b", Text: "1234567890"},
		{ID: "c", Text: "1234567890"},
	}
	batches := batchByTokenBudget(chunks, 1000, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
}

func TestBatchByTokenBudget_RespectsTokenBudgetOverMaxSize(t *testing.T) {
	chunks := []*chunk.Chunk{
		{ID: "a", Text: "aaaaaaaaaaaaaaaaaaaa"}, // 20 chars -> 5 tokens
		{ID: "b", Text: "bbbbbbbbbbbbbbbbbbbb"},
	}
	batches := batchByTokenBudget(chunks, 5, 100)
	require.Len(t, batches, 2)
}

func TestPipeline_EmbedWithRecovery_DropsPoisonedChunkAndContinues(t *testing.T) {
	p := New(Config{Embedder: embedprovider.NewStaticAdapter()})
	batch := []*chunk.Chunk{
		{ID: "a", Text: "real text"},
		{ID: "b", Text: "\x00\x00\x00"}, // sanitizes to empty, triggers InvalidInputError
	}
	vectors, err := p.embedWithRecovery(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.NotNil(t, vectors[0])
	assert.Nil(t, vectors[1])
}

// alwaysFailingEmbedder fails every call, for exercising the circuit
// breaker wrapping the embedder in embedBatchGuarded.
type alwaysFailingEmbedder struct {
	calls int
}

func (e *alwaysFailingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	return nil, errors.New("embedder unavailable")
}
func (e *alwaysFailingEmbedder) MaxBatchSize() int { return 32 }
func (e *alwaysFailingEmbedder) Dimension() int    { return 8 }
func (e *alwaysFailingEmbedder) RateLimits() (embedprovider.RateLimits, bool) {
	return embedprovider.RateLimits{}, false
}

func TestPipeline_EmbedBatchGuarded_TripsCircuitBreakerAfterRepeatedFailures(t *testing.T) {
	embedder := &alwaysFailingEmbedder{}
	p := New(Config{Embedder: embedder})

	// Default circuit breaker trips after 5 failures; drive it there.
	for i := 0; i < 5; i++ {
		_, err := p.embedBatchGuarded(context.Background(), []string{"x"})
		require.Error(t, err)
	}
	callsAtTrip := embedder.calls

	_, err := p.embedBatchGuarded(context.Background(), []string{"x"})
	require.ErrorIs(t, err, amerrors.ErrCircuitOpen)
	assert.Equal(t, callsAtTrip, embedder.calls, "circuit breaker should fail fast without calling the embedder again")
}
