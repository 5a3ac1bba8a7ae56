package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kb-forge/coreengine/internal/config"
	amerrors "github.com/kb-forge/coreengine/internal/errors"
	"github.com/kb-forge/coreengine/internal/embedprovider"
	"github.com/kb-forge/coreengine/internal/orchestrator"
	"github.com/kb-forge/coreengine/internal/overlay"
	"github.com/kb-forge/coreengine/internal/store"
	"github.com/kb-forge/coreengine/internal/watcher"
)

// ScopeState is one scope's live working set: the Orchestrator serving
// queries plus the stores CompactionManager and Close need direct
// access to.
type ScopeState struct {
	ScopeID      string
	Orchestrator *orchestrator.Orchestrator
	Metadata     store.MetadataStore
	Vector       store.VectorStore
	Overlay      *overlay.Store
	RootDir      string
	DataDir      string
	LoadedAt     time.Time
	LastUsed     time.Time

	fsWatcher *watcher.HybridWatcher
	watchStop context.CancelFunc
}

// Close releases a scope's stores. Safe to call with nil fields.
func (s *ScopeState) Close() error {
	if s.watchStop != nil {
		s.watchStop()
	}
	if s.fsWatcher != nil {
		_ = s.fsWatcher.Stop()
	}

	var err error
	if s.Metadata != nil {
		if e := s.Metadata.Close(); e != nil {
			err = e
		}
	}
	if s.Vector != nil {
		if e := s.Vector.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// watchForChanges starts a best-effort filesystem watcher over the
// scope's workspace and nudges its OverlayStore on every raw event, so
// a live edit is reflected in NeedsRebuild staleness long before
// cfg.TTL would otherwise elapse (§9). Failure to start the watcher is
// non-fatal: the overlay simply falls back to TTL-only staleness.
func (s *ScopeState) watchForChanges() {
	if s.Overlay == nil || s.RootDir == "" {
		return
	}

	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions())
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx, s.RootDir); err != nil {
		cancel()
		return
	}
	s.fsWatcher = w
	s.watchStop = cancel

	go func() {
		events := w.Events()
		errs := w.Errors()
		for {
			select {
			case batch, ok := <-events:
				if !ok {
					return
				}
				if len(batch) > 0 {
					s.Overlay.Notify()
				}
			case _, ok := <-errs:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ScopeLoader assembles a scope's working set on first access, the
// daemon equivalent of cmd/kbengine wiring an Orchestrator for a single
// CLI invocation. Implementations open the scope's SQLite/HNSW/Bleve
// stores and construct an orchestrator.Orchestrator around them.
type ScopeLoader func(ctx context.Context, scopeID string) (*ScopeState, error)

// Daemon wraps a long-lived RequestHandler around one or more scopes'
// Orchestrators, amortizing embedder and index load cost across many
// queries and giving "cache clear" something persistent to act on.
// Scopes are loaded lazily via Loader and evicted LRU-style once more
// than Config.MaxScopes are resident.
type Daemon struct {
	cfg      Config
	embedder embedprovider.EmbeddingProvider
	loader   ScopeLoader

	compaction *CompactionManager
	server     *Server
	pidFile    *PIDFile
	started    time.Time

	mu     sync.RWMutex
	scopes map[string]*ScopeState
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithEmbedder sets the embedding provider scope loaders can share,
// mirroring the teacher's dependency-injected embedder used in tests to
// avoid a live Ollama process.
func WithEmbedder(e embedprovider.EmbeddingProvider) Option {
	return func(d *Daemon) { d.embedder = e }
}

// WithScopeLoader overrides how a scope's working set is assembled.
// Defaults to an error-returning stub so a bare NewDaemon is still safe
// to construct and test against in isolation.
func WithScopeLoader(loader ScopeLoader) Option {
	return func(d *Daemon) { d.loader = loader }
}

// WithCompactionConfig overrides the background compaction policy
// (§4 of the teacher's compaction manager); defaults to disabled.
func WithCompactionConfig(cfg config.CompactionConfig) Option {
	return func(d *Daemon) { d.compaction = NewCompactionManager(cfg) }
}

// NewDaemon validates cfg and constructs a Daemon ready for Start.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		scopes:     make(map[string]*ScopeState),
		compaction: NewCompactionManager(config.CompactionConfig{}),
		pidFile:    NewPIDFile(cfg.PIDPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.loader == nil {
		d.loader = func(ctx context.Context, scopeID string) (*ScopeState, error) {
			return nil, fmt.Errorf("no scope loader configured for %q", scopeID)
		}
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled: writes the PID file,
// starts background compaction, and serves the Unix socket.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if err := d.pidFile.Write(); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer func() { _ = d.pidFile.Remove() }()

	server, err := NewServer(d.cfg.SocketPath)
	if err != nil {
		return err
	}
	server.SetHandler(d)
	d.server = server
	d.started = time.Now()

	d.compaction.Start(ctx)
	defer d.compaction.Stop()

	defer d.cleanup()

	return server.ListenAndServe(ctx)
}

// HandleQuery implements RequestHandler by loading (or reusing) the
// request's scope and delegating to its Orchestrator.
func (d *Daemon) HandleQuery(ctx context.Context, req orchestrator.Request) (*orchestrator.AgentResponse, *orchestrator.AgentErrorResponse) {
	d.compaction.InterruptCompaction(req.ScopeID)

	scope, err := d.getOrLoad(ctx, req.ScopeID)
	if err != nil {
		return nil, &orchestrator.AgentErrorResponse{
			Error: amerrors.NewWireError(amerrors.WireIndexNotFound, err.Error(), err),
			Meta:  orchestrator.Meta{SchemaVersion: orchestrator.SchemaVersion, RequestID: req.RequestID, Mode: req.Mode},
		}
	}

	resp, agentErr := scope.Orchestrator.Handle(ctx, req)

	d.mu.Lock()
	scope.LastUsed = time.Now()
	d.mu.Unlock()
	d.compaction.OnQueryComplete(req.ScopeID)

	return resp, agentErr
}

// ClearCache drops cached query results for scopeID, or every loaded
// scope when scopeID is empty.
func (d *Daemon) ClearCache(scopeID string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if scopeID != "" {
		if scope, ok := d.scopes[scopeID]; ok && scope.Orchestrator != nil && scope.Orchestrator.Cache != nil {
			scope.Orchestrator.Cache.InvalidateScope(scopeID)
		}
		return
	}
	for id, scope := range d.scopes {
		if scope.Orchestrator != nil && scope.Orchestrator.Cache != nil {
			scope.Orchestrator.Cache.InvalidateScope(id)
		}
	}
}

// ScopesLoaded reports how many scopes are currently resident.
func (d *Daemon) ScopesLoaded() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.scopes)
}

// getOrLoad returns scopeID's working set, loading and registering it
// with the compaction manager on first access, then evicting the LRU
// scope if the working set now exceeds MaxScopes.
func (d *Daemon) getOrLoad(ctx context.Context, scopeID string) (*ScopeState, error) {
	d.mu.RLock()
	scope, ok := d.scopes[scopeID]
	d.mu.RUnlock()
	if ok {
		return scope, nil
	}

	loaded, err := d.loader(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	loaded.LoadedAt = time.Now()
	loaded.LastUsed = loaded.LoadedAt
	loaded.watchForChanges()

	d.mu.Lock()
	d.scopes[scopeID] = loaded
	d.mu.Unlock()

	d.compaction.Register(&ScopeHandle{
		ScopeID:  loaded.ScopeID,
		DataDir:  loaded.DataDir,
		Vector:   loaded.Vector,
		Metadata: loaded.Metadata,
	})

	d.evictLRU()
	return loaded, nil
}

// evictLRU closes and drops the least-recently-used scope(s) once more
// than Config.MaxScopes are resident.
func (d *Daemon) evictLRU() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.scopes) > d.cfg.MaxScopes {
		var oldestID string
		var oldestUsed time.Time
		first := true
		for id, s := range d.scopes {
			if first || s.LastUsed.Before(oldestUsed) {
				oldestID = id
				oldestUsed = s.LastUsed
				first = false
			}
		}
		if oldestID == "" {
			return
		}
		if s := d.scopes[oldestID]; s != nil {
			_ = s.Close()
		}
		delete(d.scopes, oldestID)
		d.compaction.Unregister(oldestID)
	}
}

// cleanup releases every resident scope's stores on shutdown.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.scopes {
		_ = s.Close()
		delete(d.scopes, id)
	}
	d.embedder = nil
}
