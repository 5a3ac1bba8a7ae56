package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// EngineConfigHash computes spec.md §3's engine_config_hash: a hash
// covering every setting that affects chunking, embedding, and
// reranking output, so that changing any of them invalidates cached
// query results bound to the old hash (§4.13/§4.14). Grounded on the
// teacher's style of deriving a single opaque fingerprint from nested
// config sections, the same shape as internal/store's content-hash
// (SHA-256, hex-encoded) rather than a numeric checksum.
func (c *Config) EngineConfigHash() string {
	fields := []string{
		fmt.Sprintf("chunk_size=%d", c.Search.ChunkSize),
		fmt.Sprintf("chunk_overlap=%d", c.Search.ChunkOverlap),
		fmt.Sprintf("bm25_weight=%g", c.Search.BM25Weight),
		fmt.Sprintf("semantic_weight=%g", c.Search.SemanticWeight),
		fmt.Sprintf("rrf_constant=%d", c.Search.RRFConstant),
		fmt.Sprintf("bm25_backend=%s", c.Search.BM25Backend),
		fmt.Sprintf("embed_provider=%s", c.Embeddings.Provider),
		fmt.Sprintf("embed_model=%s", c.Embeddings.Model),
		fmt.Sprintf("embed_dimensions=%d", c.Embeddings.Dimensions),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "||")))
	return hex.EncodeToString(sum[:])
}

// SourcesDigest computes spec.md §3's sources_digest: a hash of the
// source topology (globs, excludes) so a request can optionally pin a
// query to a specific set of indexed directories (§4.14). Include and
// Exclude are sorted before hashing so the digest is independent of
// the order entries appear in the config file.
func (c *Config) SourcesDigest() string {
	include := append([]string(nil), c.Paths.Include...)
	exclude := append([]string(nil), c.Paths.Exclude...)
	sort.Strings(include)
	sort.Strings(exclude)

	var sb strings.Builder
	sb.WriteString("include=")
	sb.WriteString(strings.Join(include, ","))
	sb.WriteString("||exclude=")
	sb.WriteString(strings.Join(exclude, ","))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
