package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/kb-forge/coreengine/internal/chunk"
	"github.com/kb-forge/coreengine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVS(t *testing.T, dim int) store.VectorStore {
	t.Helper()
	vs, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dim))
	require.NoError(t, err)
	return vs
}

func TestStore_Search_DropsShadowedBaseResults(t *testing.T) {
	ctx := context.Background()
	base := newVS(t, 4)
	ov := newVS(t, 4)

	require.NoError(t, base.Add(ctx, []string{"base-1", "base-2"}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))
	require.NoError(t, ov.Add(ctx, []string{"ov-1"}, [][]float32{{1, 0, 0, 0}}))

	pathOf := map[string]string{"base-1": "a.md", "base-2": "b.md", "ov-1": "a.md"}

	s := New(base, ov, nil, nil, "rev1", DefaultConfig())
	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, 5, func(id string) string { return pathOf[id] })
	require.NoError(t, err)

	var ids []string
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, "ov-1")
	assert.Contains(t, ids, "base-2")
	assert.NotContains(t, ids, "base-1")
}

func TestStore_Search_RespectsExplicitDeletedMask(t *testing.T) {
	ctx := context.Background()
	base := newVS(t, 4)
	ov := newVS(t, 4)
	require.NoError(t, base.Add(ctx, []string{"base-1"}, [][]float32{{1, 0, 0, 0}}))

	pathOf := map[string]string{"base-1": "deleted.md"}
	s := New(base, ov, nil, nil, "rev1", DefaultConfig())
	s.MarkDeleted("deleted.md")

	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, 5, func(id string) string { return pathOf[id] })
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "base-1", r.ID)
	}
}

func TestStore_Search_LimitsAndOrdersByScoreDescending(t *testing.T) {
	ctx := context.Background()
	base := newVS(t, 4)
	ov := newVS(t, 4)
	require.NoError(t, base.Add(ctx, []string{"x1", "x2", "x3"}, [][]float32{
		{1, 0, 0, 0}, {0.9, 0.1, 0, 0}, {0, 0, 1, 0},
	}))

	s := New(base, ov, nil, nil, "rev1", DefaultConfig())
	results, err := s.Search(ctx, []float32{1, 0, 0, 0}, 2, func(id string) string { return "" })
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestStore_Upsert_WritesOverlayOnlyAndMarksModified(t *testing.T) {
	ctx := context.Background()
	base := newVS(t, 4)
	ov := newVS(t, 4)
	s := New(base, ov, nil, nil, "rev1", DefaultConfig())

	c := chunk.Chunk{ID: "c1", Path: "file.go"}
	require.NoError(t, s.Upsert(ctx, []chunk.Chunk{c}, [][]float32{{1, 0, 0, 0}}))

	assert.Equal(t, 1, ov.Count())
	assert.Equal(t, 0, base.Count())
	_, modified := s.modifiedPaths["file.go"]
	assert.True(t, modified)
}

func TestNeedsRebuild_TTLExpired(t *testing.T) {
	s := New(newVS(t, 4), newVS(t, 4), nil, nil, "rev1", Config{TTL: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	needs, level, err := s.NeedsRebuild(context.Background(), nil)
	// detector is nil but TTL check short-circuits before any git call.
	require.NoError(t, err)
	assert.True(t, needs)
	assert.Equal(t, SoftStale, level)
}

func TestWorst_PicksMoreSevere(t *testing.T) {
	assert.Equal(t, HardStale, Worst(Fresh, HardStale))
	assert.Equal(t, SoftStale, Worst(SoftStale, Fresh))
	assert.Equal(t, Fresh, Worst(Fresh, Fresh))
}

func TestMarkDeleted_ClearsModifiedForSamePath(t *testing.T) {
	s := New(newVS(t, 4), newVS(t, 4), nil, nil, "rev1", DefaultConfig())
	s.MarkModified("a.md")
	s.MarkDeleted("a.md")
	_, stillModified := s.modifiedPaths["a.md"]
	assert.False(t, stillModified)
	_, deleted := s.deletedPaths["a.md"]
	assert.True(t, deleted)
}

func newBM25(t *testing.T) store.BM25Index {
	t.Helper()
	idx, err := store.NewBleveBM25Index("", store.DefaultBM25Config())
	require.NoError(t, err)
	return idx
}

func TestStore_SearchBM25_DropsShadowedBaseResults(t *testing.T) {
	ctx := context.Background()
	baseBM25 := newBM25(t)
	ovBM25 := newBM25(t)

	require.NoError(t, baseBM25.Index(ctx, []*store.Document{
		{ID: "base-1", Content: "widget factory pattern"},
		{ID: "base-2", Content: "widget configuration loader"},
	}))
	require.NoError(t, ovBM25.Index(ctx, []*store.Document{
		{ID: "ov-1", Content: "widget factory pattern rewritten"},
	}))

	pathOf := map[string]string{"base-1": "a.go", "base-2": "b.go", "ov-1": "a.go"}
	s := New(newVS(t, 4), newVS(t, 4), baseBM25, ovBM25, "rev1", DefaultConfig())

	results, err := s.SearchBM25(ctx, "widget factory", 5, func(id string) string { return pathOf[id] })
	require.NoError(t, err)

	var ids []string
	for _, r := range results {
		ids = append(ids, r.DocID)
	}
	assert.Contains(t, ids, "ov-1")
	assert.NotContains(t, ids, "base-1")
}

func TestStore_SearchBM25_ScoreDescendingDocIDTieBreak(t *testing.T) {
	ctx := context.Background()
	baseBM25 := newBM25(t)
	ovBM25 := newBM25(t)
	require.NoError(t, baseBM25.Index(ctx, []*store.Document{
		{ID: "z-doc", Content: "alpha beta gamma"},
		{ID: "a-doc", Content: "alpha beta gamma"},
	}))

	s := New(newVS(t, 4), newVS(t, 4), baseBM25, ovBM25, "rev1", DefaultConfig())
	results, err := s.SearchBM25(ctx, "alpha beta gamma", 5, func(string) string { return "" })
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i := 1; i < len(results); i++ {
		assert.True(t, results[i-1].Score > results[i].Score ||
			(results[i-1].Score == results[i].Score && results[i-1].DocID < results[i].DocID))
	}
}
