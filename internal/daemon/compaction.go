package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/kb-forge/coreengine/internal/config"
	"github.com/kb-forge/coreengine/internal/store"
)

// ScopeHandle is the subset of a scope's live stores the compaction
// manager needs: the HNSW vector store it rebuilds, the metadata store
// it reloads embeddings from, and the data directory it persists the
// rebuilt index under.
type ScopeHandle struct {
	ScopeID  string
	DataDir  string
	Vector   store.VectorStore
	Metadata store.MetadataStore
}

// CompactionManager manages automatic background compaction for every
// registered scope's HNSW vector index.
//
// Compaction runs automatically when:
// 1. A scope becomes idle (no queries for IdleTimeout duration)
// 2. Orphan ratio exceeds threshold (orphans/total > OrphanThreshold)
// 3. Minimum orphan count is met (avoids small index churn)
// 4. Cooldown period has elapsed since last compaction
//
// Compaction is interruptible: any query cancels ongoing compaction.
type CompactionManager struct {
	cfg config.CompactionConfig

	mu     sync.RWMutex
	scopes map[string]*ScopeHandle
	states map[string]*compactionState

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// compactionState tracks compaction eligibility per scope.
type compactionState struct {
	scopeID     string
	lastQuery   time.Time
	lastCompact time.Time

	idleTimer *time.Timer

	compacting bool
	cancelFunc context.CancelFunc
}

// NewCompactionManager creates a new compaction manager.
func NewCompactionManager(cfg config.CompactionConfig) *CompactionManager {
	return &CompactionManager{
		cfg:    cfg,
		scopes: make(map[string]*ScopeHandle),
		states: make(map[string]*compactionState),
	}
}

// Register makes a scope's stores eligible for idle-triggered
// compaction; called whenever a scope is loaded into the daemon's
// working set.
func (m *CompactionManager) Register(handle *ScopeHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopes[handle.ScopeID] = handle
}

// Unregister drops a scope from compaction eligibility, e.g. after LRU
// eviction from the daemon's working set.
func (m *CompactionManager) Unregister(scopeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, scopeID)
	if state, ok := m.states[scopeID]; ok {
		if state.idleTimer != nil {
			state.idleTimer.Stop()
		}
		delete(m.states, scopeID)
	}
}

// Start initializes the compaction manager.
func (m *CompactionManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	slog.Debug("compaction manager started",
		slog.Bool("enabled", m.cfg.Enabled),
		slog.Float64("orphan_threshold", m.cfg.OrphanThreshold),
		slog.Int("min_orphan_count", m.cfg.MinOrphanCount))
}

// Stop gracefully shuts down the compaction manager, waiting for any
// in-progress compaction to complete or cancel.
func (m *CompactionManager) Stop() {
	m.stopOnce.Do(func() {
		slog.Debug("compaction manager stopping")

		if m.cancel != nil {
			m.cancel()
		}

		m.mu.Lock()
		for _, state := range m.states {
			if state.idleTimer != nil {
				state.idleTimer.Stop()
			}
			if state.cancelFunc != nil {
				state.cancelFunc()
			}
		}
		m.mu.Unlock()

		m.wg.Wait()
		slog.Debug("compaction manager stopped")
	})
}

// OnQueryComplete resets the idle timer after each query, the trigger
// for idle-detection-based compaction.
func (m *CompactionManager) OnQueryComplete(scopeID string) {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[scopeID]
	if !ok {
		state = &compactionState{scopeID: scopeID}
		m.states[scopeID] = state
	}

	state.lastQuery = time.Now()

	if state.idleTimer != nil {
		state.idleTimer.Stop()
	}

	idleTimeout, err := time.ParseDuration(m.cfg.IdleTimeout)
	if err != nil {
		idleTimeout = 30 * time.Second
	}

	state.idleTimer = time.AfterFunc(idleTimeout, func() {
		m.onIdle(scopeID)
	})
}

// InterruptCompaction stops ongoing compaction for a scope; called when
// a query arrives mid-compaction.
func (m *CompactionManager) InterruptCompaction(scopeID string) {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[scopeID]
	if !ok || !state.compacting {
		return
	}

	if state.cancelFunc != nil {
		slog.Debug("interrupting compaction for query", slog.String("scope", scopeID))
		state.cancelFunc()
	}
}

func (m *CompactionManager) onIdle(scopeID string) {
	if !m.shouldCompact(scopeID) {
		return
	}
	m.startCompaction(scopeID)
}

func (m *CompactionManager) shouldCompact(scopeID string) bool {
	if !m.cfg.Enabled {
		return false
	}

	select {
	case <-m.ctx.Done():
		return false
	default:
	}

	m.mu.Lock()
	state, ok := m.states[scopeID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if state.compacting {
		m.mu.Unlock()
		return false
	}

	cooldown, err := time.ParseDuration(m.cfg.Cooldown)
	if err != nil {
		cooldown = time.Hour
	}
	if time.Since(state.lastCompact) < cooldown {
		m.mu.Unlock()
		slog.Debug("compaction skipped: cooldown active",
			slog.String("scope", scopeID),
			slog.Duration("remaining", cooldown-time.Since(state.lastCompact)))
		return false
	}
	m.mu.Unlock()

	m.mu.RLock()
	handle, ok := m.scopes[scopeID]
	m.mu.RUnlock()
	if !ok || handle == nil || handle.Vector == nil {
		return false
	}

	orphanCount, totalCount, ratio := m.getOrphanStats(handle)
	if orphanCount < m.cfg.MinOrphanCount {
		slog.Debug("compaction skipped: below minimum orphan count",
			slog.String("scope", scopeID),
			slog.Int("orphans", orphanCount),
			slog.Int("min_required", m.cfg.MinOrphanCount))
		return false
	}
	if ratio < m.cfg.OrphanThreshold {
		slog.Debug("compaction skipped: below threshold",
			slog.String("scope", scopeID),
			slog.Float64("ratio", ratio),
			slog.Float64("threshold", m.cfg.OrphanThreshold))
		return false
	}

	slog.Info("compaction eligible",
		slog.String("scope", scopeID),
		slog.Int("orphans", orphanCount),
		slog.Int("total", totalCount),
		slog.Float64("ratio", ratio))
	return true
}

func (m *CompactionManager) getOrphanStats(handle *ScopeHandle) (orphanCount, totalCount int, ratio float64) {
	hnsw, ok := handle.Vector.(*store.HNSWStore)
	if !ok {
		return 0, 0, 0
	}

	stats := hnsw.Stats()
	orphanCount = stats.Orphans
	totalCount = stats.GraphNodes
	if totalCount == 0 {
		return 0, 0, 0
	}
	ratio = float64(orphanCount) / float64(totalCount)
	return orphanCount, totalCount, ratio
}

func (m *CompactionManager) startCompaction(scopeID string) {
	m.mu.Lock()
	state := m.states[scopeID]
	if state == nil || state.compacting {
		m.mu.Unlock()
		return
	}

	state.compacting = true
	ctx, cancel := context.WithCancel(m.ctx)
	state.cancelFunc = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			state.compacting = false
			state.cancelFunc = nil
			m.mu.Unlock()
		}()

		m.runCompaction(ctx, scopeID)
	}()
}

// loadEmbeddings reloads every chunk's embedding for scopeID from the
// metadata store, avoiding re-embedding during a rebuild.
func loadEmbeddings(ctx context.Context, scopeID string, metadata store.MetadataStore) (map[string][]float32, error) {
	files, err := metadata.ListFileMetadata(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	embeddings := make(map[string][]float32)
	for _, f := range files {
		chunks, err := metadata.GetChunksByPath(ctx, scopeID, f.Path)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if len(c.Embedding) == 0 {
				continue
			}
			embeddings[c.ID] = c.Embedding
		}
	}
	return embeddings, nil
}

// runCompaction performs the actual compaction work.
func (m *CompactionManager) runCompaction(ctx context.Context, scopeID string) {
	start := time.Now()
	slog.Info("background compaction starting", slog.String("scope", scopeID))

	m.mu.RLock()
	handle, ok := m.scopes[scopeID]
	m.mu.RUnlock()
	if !ok || handle == nil {
		slog.Warn("compaction failed: scope not found", slog.String("scope", scopeID))
		return
	}

	embeddings, err := loadEmbeddings(ctx, scopeID, handle.Metadata)
	if err != nil {
		slog.Warn("compaction failed: could not load embeddings",
			slog.String("scope", scopeID), slog.String("error", err.Error()))
		return
	}
	if len(embeddings) == 0 {
		slog.Debug("compaction skipped: no embeddings", slog.String("scope", scopeID))
		return
	}

	select {
	case <-ctx.Done():
		slog.Debug("compaction interrupted before rebuild", slog.String("scope", scopeID))
		return
	default:
	}

	var dims int
	for _, emb := range embeddings {
		dims = len(emb)
		break
	}

	cfg := store.DefaultVectorStoreConfig(dims)
	newVector, err := store.NewHNSWStore(cfg)
	if err != nil {
		slog.Warn("compaction failed: could not create vector store",
			slog.String("scope", scopeID), slog.String("error", err.Error()))
		return
	}

	const batchSize = 1000
	ids := make([]string, 0, batchSize)
	vecs := make([][]float32, 0, batchSize)

	for id, vec := range embeddings {
		ids = append(ids, id)
		vecs = append(vecs, vec)

		if len(ids) >= batchSize {
			select {
			case <-ctx.Done():
				slog.Debug("compaction interrupted during rebuild", slog.String("scope", scopeID))
				_ = newVector.Close()
				return
			default:
			}

			if err := newVector.Add(ctx, ids, vecs); err != nil {
				slog.Warn("compaction failed: batch add error",
					slog.String("scope", scopeID), slog.String("error", err.Error()))
				_ = newVector.Close()
				return
			}
			ids = ids[:0]
			vecs = vecs[:0]
		}
	}

	if len(ids) > 0 {
		if err := newVector.Add(ctx, ids, vecs); err != nil {
			slog.Warn("compaction failed: final batch add error",
				slog.String("scope", scopeID), slog.String("error", err.Error()))
			_ = newVector.Close()
			return
		}
	}

	select {
	case <-ctx.Done():
		slog.Debug("compaction interrupted before save", slog.String("scope", scopeID))
		_ = newVector.Close()
		return
	default:
	}

	oldHNSW, ok := handle.Vector.(*store.HNSWStore)
	if !ok {
		slog.Warn("compaction failed: unexpected vector store type", slog.String("scope", scopeID))
		_ = newVector.Close()
		return
	}
	oldStats := oldHNSW.Stats()

	if handle.DataDir != "" {
		vectorPath := filepath.Join(handle.DataDir, "vectors.hnsw")
		if err := newVector.Save(vectorPath); err != nil {
			slog.Warn("compaction failed: could not save",
				slog.String("scope", scopeID), slog.String("error", err.Error()))
			_ = newVector.Close()
			return
		}
	}

	m.mu.Lock()
	oldVector := handle.Vector
	handle.Vector = newVector
	m.mu.Unlock()

	_ = oldVector.Close()

	m.mu.Lock()
	if state, ok := m.states[scopeID]; ok {
		state.lastCompact = time.Now()
	}
	m.mu.Unlock()

	slog.Info("background compaction complete",
		slog.String("scope", scopeID),
		slog.Int("orphans_removed", oldStats.Orphans),
		slog.Int("vectors", newVector.Count()),
		slog.Duration("duration", time.Since(start)))
}
