// Package cache implements the QueryCache collaborator of spec.md
// §4.13: an LRU+TTL cache keyed by (scope, mode, query, indexRevision,
// engineConfigHash, sourcesDigest), with whole-scope invalidation for
// the context-consistency gate of §4.14. Grounded on
// internal/embed.CachedEmbedder's sha256-keyed LRU wrapper
// (internal/embed/cached.go), generalized with a per-entry expiry
// deadline since §4.13 gives each mode its own TTL and golang-lru/v2's
// plain Cache has no per-key TTL of its own.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSize is §4.13's default LRU capacity.
const DefaultMaxSize = 100

// MinStorableConfidence: entries with confidence below this are never
// stored (§4.13 boundary behavior: 0.29 is not stored, 0.3 is).
const MinStorableConfidence = 0.3

// Mode is the query mode a cache key is scoped to; TTL varies by mode.
type Mode string

const (
	ModeInstant  Mode = "instant"
	ModeAuto     Mode = "auto"
	ModeThinking Mode = "thinking"
)

// TTL returns §4.13's per-mode TTL.
func (m Mode) TTL() time.Duration {
	switch m {
	case ModeInstant:
		return 120 * time.Second
	case ModeAuto:
		return 300 * time.Second
	case ModeThinking:
		return 900 * time.Second
	default:
		return 300 * time.Second
	}
}

// Key identifies a cached query per §4.13; SourcesDigest is optional
// (empty string omits that component from the hash, matching the
// request's optional sources_digest in §4.14).
type Key struct {
	ScopeID          string
	Mode             Mode
	Query            string
	IndexRevision    string
	EngineConfigHash string
	SourcesDigest    string
}

// Hash computes the first-16-hex-char SHA-256 cache key of §4.13.
func (k Key) Hash() string {
	parts := []string{
		k.ScopeID,
		string(k.Mode),
		strings.ToLower(strings.TrimSpace(k.Query)),
		k.IndexRevision,
		k.EngineConfigHash,
	}
	if k.SourcesDigest != "" {
		parts = append(parts, k.SourcesDigest)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "||")))
	return hex.EncodeToString(sum[:])[:16]
}

// Entry is a cached response plus the context it was produced under,
// enough to satisfy the orchestrator's consistency-gate re-check.
type Entry struct {
	Response         any
	IndexRevision    string
	EngineConfigHash string
	SourcesDigest    string
	Confidence       float64
}

// record is the backing LRU's value type: an entry plus the bookkeeping
// needed for scope eviction and TTL expiry, invisible to callers.
type record struct {
	scopeID   string
	entry     Entry
	expiresAt time.Time
}

// Cache is the QueryCache of §4.13/§4.14: one capacity-bounded LRU,
// logically partitioned by scope for the consistency gate's
// "invalidate the scope's cache partition" rule, with per-entry TTL
// checked lazily on read.
type Cache struct {
	mu      sync.Mutex
	backing *lru.Cache[string, record]
	now     func() time.Time
}

// New creates a Cache with the given capacity (DefaultMaxSize if <=0).
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	backing, _ := lru.New[string, record](maxSize)
	return &Cache{backing: backing, now: time.Now}
}

// Get looks up a key, returning (entry, true) on a live hit. A miss
// (absent or TTL-expired) returns the zero Entry and false; an expired
// entry is evicted as a side effect.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := key.Hash()
	rec, ok := c.backing.Get(hash)
	if !ok {
		return Entry{}, false
	}
	if c.now().After(rec.expiresAt) {
		c.backing.Remove(hash)
		return Entry{}, false
	}
	return rec.entry, true
}

// Put stores an entry if its confidence clears MinStorableConfidence
// (§4.13's "entries with confidence < 0.3 are not stored" rule), with
// an expiry deadline derived from key.Mode.TTL(). Returns false if the
// entry was not stored.
func (c *Cache) Put(key Key, entry Entry) bool {
	if entry.Confidence < MinStorableConfidence {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Add(key.Hash(), record{
		scopeID:   key.ScopeID,
		entry:     entry,
		expiresAt: c.now().Add(key.Mode.TTL()),
	})
	return true
}

// InvalidateScope evicts every cached entry belonging to scopeID,
// implementing §4.14's "invalidate the entire scope partition on
// mismatch" rule. Returns the number of entries removed.
func (c *Cache) InvalidateScope(scopeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, k := range c.backing.Keys() {
		rec, ok := c.backing.Peek(k)
		if ok && rec.scopeID == scopeID {
			c.backing.Remove(k)
			removed++
		}
	}
	return removed
}

// ScopeSize returns the number of live (non-expired) entries currently
// cached for a scope.
func (c *Cache) ScopeSize(scopeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	now := c.now()
	for _, k := range c.backing.Keys() {
		rec, ok := c.backing.Peek(k)
		if ok && rec.scopeID == scopeID && !now.After(rec.expiresAt) {
			count++
		}
	}
	return count
}

// Len returns the total number of entries currently tracked (including
// any not-yet-lazily-evicted expired ones).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing.Len()
}
