package config

import "testing"

func TestEngineConfigHash_StableForSameSettings(t *testing.T) {
	c1 := NewConfig()
	c2 := NewConfig()
	if c1.EngineConfigHash() != c2.EngineConfigHash() {
		t.Fatalf("identical configs produced different hashes")
	}
}

func TestEngineConfigHash_ChangesWithChunkSize(t *testing.T) {
	c1 := NewConfig()
	c2 := NewConfig()
	c2.Search.ChunkSize = c1.Search.ChunkSize + 1
	if c1.EngineConfigHash() == c2.EngineConfigHash() {
		t.Fatalf("changing chunk size did not change the engine config hash")
	}
}

func TestSourcesDigest_OrderIndependent(t *testing.T) {
	c1 := NewConfig()
	c1.Paths.Include = []string{"src", "docs"}
	c2 := NewConfig()
	c2.Paths.Include = []string{"docs", "src"}
	if c1.SourcesDigest() != c2.SourcesDigest() {
		t.Fatalf("sources digest should be independent of include-list order")
	}
}

func TestSourcesDigest_ChangesWithExclude(t *testing.T) {
	c1 := NewConfig()
	c2 := NewConfig()
	c2.Paths.Exclude = append(append([]string(nil), c2.Paths.Exclude...), "vendor/**")
	if c1.SourcesDigest() == c2.SourcesDigest() {
		t.Fatalf("adding an exclude pattern did not change the sources digest")
	}
}
