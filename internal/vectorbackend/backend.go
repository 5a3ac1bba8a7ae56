// Package vectorbackend is the enum-dispatch fallback adapter point
// referenced by SPEC_FULL.md §6/§9: store.VectorStore is a plain
// interface, so both the local HNSW store and any future remote vector
// service can be selected by a single config string without the caller
// needing to know the concrete type.
package vectorbackend

import (
	"context"
	"fmt"

	"github.com/kb-forge/coreengine/internal/store"
)

// Kind selects which concrete store.VectorStore implementation backs a
// scope's vector index.
type Kind string

const (
	// KindHNSW is the default, in-process pure-Go HNSW backend.
	KindHNSW Kind = "hnsw"
	// KindRemote is a placeholder for a future externally-hosted vector
	// service (e.g. a managed ANN index); not implemented yet.
	KindRemote Kind = "remote"
)

// ErrUnknownKind is returned by Open for an unrecognized backend kind.
var ErrUnknownKind = fmt.Errorf("vectorbackend: unknown kind")

// Config selects and configures a vector backend.
type Config struct {
	Kind   Kind
	Store  store.VectorStoreConfig
	Remote RemoteConfig
}

// RemoteConfig configures the (currently unimplemented) remote backend.
type RemoteConfig struct {
	Endpoint string
	APIKey   string
}

// Open constructs the store.VectorStore named by cfg.Kind. Every
// returned implementation satisfies the same interface, so callers
// never branch on concrete type.
func Open(cfg Config) (store.VectorStore, error) {
	switch cfg.Kind {
	case "", KindHNSW:
		return store.NewHNSWStore(cfg.Store)
	case KindRemote:
		return nil, fmt.Errorf("vectorbackend: remote backend not implemented (endpoint %q)", cfg.Remote.Endpoint)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// Load opens a persisted backend from disk, mirroring Open's dispatch
// for the load path (store.VectorStore.Load is already part of the
// concrete HNSWStore API surface used by the indexing pipeline).
func Load(ctx context.Context, cfg Config, path string) (store.VectorStore, error) {
	vs, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	type loader interface {
		Load(path string) error
	}
	if l, ok := vs.(loader); ok {
		if err := l.Load(path); err != nil {
			return nil, fmt.Errorf("vectorbackend: load %s: %w", path, err)
		}
	}
	return vs, nil
}
