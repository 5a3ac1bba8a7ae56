package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Hash_IsCaseAndWhitespaceInsensitiveOnQuery(t *testing.T) {
	a := Key{ScopeID: "core", Mode: ModeInstant, Query: "  What Is VectorStore  ", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	b := Key{ScopeID: "core", Mode: ModeInstant, Query: "what is vectorstore", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestKey_Hash_DiffersOnIndexRevision(t *testing.T) {
	a := Key{ScopeID: "core", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	b := a
	b.IndexRevision = "rev-2"
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestCache_PutGet_RoundTrip(t *testing.T) {
	c := New(10)
	key := Key{ScopeID: "core", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	ok := c.Put(key, Entry{Response: "answer", IndexRevision: "rev-1", Confidence: 0.9})
	require.True(t, ok)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "answer", got.Response)
}

func TestCache_LowConfidence_NotStored(t *testing.T) {
	c := New(10)
	key := Key{ScopeID: "core", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	ok := c.Put(key, Entry{Confidence: 0.29})
	assert.False(t, ok)
	_, found := c.Get(key)
	assert.False(t, found)
}

func TestCache_ConfidenceAtThreshold_Stored(t *testing.T) {
	c := New(10)
	key := Key{ScopeID: "core", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	ok := c.Put(key, Entry{Confidence: 0.3})
	assert.True(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10)
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	key := Key{ScopeID: "core", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	c.Put(key, Entry{Confidence: 0.9})

	fakeNow = fakeNow.Add(121 * time.Second)
	_, found := c.Get(key)
	assert.False(t, found, "instant mode TTL is 120s, entry should have expired")
}

func TestCache_InvalidateScope_RemovesOnlyThatScope(t *testing.T) {
	c := New(10)
	coreKey := Key{ScopeID: "core", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	otherKey := Key{ScopeID: "other", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1"}
	c.Put(coreKey, Entry{Confidence: 0.9})
	c.Put(otherKey, Entry{Confidence: 0.9})

	removed := c.InvalidateScope("core")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.ScopeSize("core"))
	assert.Equal(t, 1, c.ScopeSize("other"))
}

func TestCache_ContextGateScenario(t *testing.T) {
	// §8 scenario 1: warm at rev-1, hit at rev-1, miss + scope cleared at rev-2.
	c := New(10)
	key1 := Key{ScopeID: "core", Mode: ModeInstant, Query: "q", IndexRevision: "rev-1", EngineConfigHash: "cfg-1", SourcesDigest: "src-1"}
	c.Put(key1, Entry{Response: "r1", IndexRevision: "rev-1", EngineConfigHash: "cfg-1", SourcesDigest: "src-1", Confidence: 0.9})

	_, hit := c.Get(key1)
	require.True(t, hit)

	key2 := key1
	key2.IndexRevision = "rev-2"
	_, hit = c.Get(key2)
	assert.False(t, hit)

	removed := c.InvalidateScope("core")
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.ScopeSize("core"))
}
