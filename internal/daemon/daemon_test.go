package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-forge/coreengine/internal/embedprovider"
	amerrors "github.com/kb-forge/coreengine/internal/errors"
	"github.com/kb-forge/coreengine/internal/orchestrator"
)

// mockEmbedder is a deterministic embedder for daemon tests that
// doesn't require a live embedding backend.
type mockEmbedder struct {
	dims int
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = make([]float32, m.dims)
	}
	return result, nil
}

func (m *mockEmbedder) MaxBatchSize() int { return 64 }
func (m *mockEmbedder) Dimension() int    { return m.dims }
func (m *mockEmbedder) RateLimits() (embedprovider.RateLimits, bool) {
	return embedprovider.RateLimits{}, false
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{dims: 768}
}

// daemonTestConfig creates a test configuration with unique paths.
func daemonTestConfig(t *testing.T) Config {
	t.Helper()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	socketPath := filepath.Join("/tmp", fmt.Sprintf("kbengine-daemon-test-%s.sock", suffix))
	pidPath := filepath.Join("/tmp", fmt.Sprintf("kbengine-daemon-test-%s.pid", suffix))

	t.Cleanup(func() {
		os.Remove(socketPath)
		os.Remove(pidPath)
	})

	return Config{
		SocketPath:          socketPath,
		PIDPath:             pidPath,
		Timeout:             5 * time.Second,
		ShutdownGracePeriod: 2 * time.Second,
		MaxScopes:           5,
	}
}

func TestNewDaemon(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	cfg := Config{
		SocketPath: "",
		PIDPath:    "/tmp/test.pid",
		Timeout:    5 * time.Second,
	}

	_, err := NewDaemon(cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewDaemon_WithEmbedder(t *testing.T) {
	cfg := daemonTestConfig(t)
	customEmbedder := &mockEmbedder{dims: 384}

	d, err := NewDaemon(cfg, WithEmbedder(customEmbedder))

	require.NoError(t, err)
	assert.Equal(t, customEmbedder, d.embedder)
	assert.Equal(t, 384, d.embedder.Dimension())
}

func TestDaemon_StartStop(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	pf := NewPIDFile(cfg.PIDPath)
	assert.True(t, pf.IsRunning(), "daemon should be running")

	_, err = os.Stat(cfg.SocketPath)
	require.NoError(t, err, "socket should exist")

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_ClientCanConnect(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	client := NewClient(cfg)
	assert.True(t, client.IsRunning())

	err = client.Ping(ctx)
	require.NoError(t, err)
}

func TestDaemon_Status(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	client := NewClient(cfg)
	status, err := client.Status(ctx)
	require.NoError(t, err)

	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.NotEmpty(t, status.Uptime)
	assert.Equal(t, 0, status.ScopesLoaded)
}

func TestDaemon_StaleSocketCleaned(t *testing.T) {
	cfg := daemonTestConfig(t)

	err := os.WriteFile(cfg.SocketPath, []byte("stale"), 0644)
	require.NoError(t, err)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	client := NewClient(cfg)
	assert.True(t, client.IsRunning())
}

func TestDaemon_StalePIDCleaned(t *testing.T) {
	cfg := daemonTestConfig(t)

	err := os.WriteFile(cfg.PIDPath, []byte("4194304"), 0644)
	require.NoError(t, err)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	pf := NewPIDFile(cfg.PIDPath)
	assert.True(t, pf.IsRunning())

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestDaemon_HandleQuery_ScopeLoadFailure(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	req := orchestrator.Request{Query: "test query", ScopeID: "unloaded-scope", Mode: orchestrator.ModeAuto}

	resp, agentErr := d.HandleQuery(context.Background(), req)
	require.Nil(t, resp)
	require.NotNil(t, agentErr)
	assert.Equal(t, amerrors.WireIndexNotFound, agentErr.Error.Code)
}

func TestScopeState_Close(t *testing.T) {
	state := &ScopeState{
		ScopeID:  "scope-1",
		LoadedAt: time.Now(),
		LastUsed: time.Now(),
	}

	err := state.Close()
	assert.NoError(t, err)
}

func TestDaemon_EvictLRU_MultipleScopes(t *testing.T) {
	cfg := daemonTestConfig(t)
	cfg.MaxScopes = 2

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	d.scopes = map[string]*ScopeState{
		"scope-1": {ScopeID: "scope-1", LastUsed: time.Now().Add(-3 * time.Hour)},
		"scope-2": {ScopeID: "scope-2", LastUsed: time.Now().Add(-1 * time.Hour)},
		"scope-3": {ScopeID: "scope-3", LastUsed: time.Now()},
	}

	d.evictLRU()

	assert.Len(t, d.scopes, 2)
	assert.Nil(t, d.scopes["scope-1"], "oldest scope should be evicted")
	assert.NotNil(t, d.scopes["scope-2"])
	assert.NotNil(t, d.scopes["scope-3"])
}

func TestDaemon_EvictLRU_EmptyScopes(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	d.scopes = map[string]*ScopeState{}

	d.evictLRU()

	assert.Empty(t, d.scopes)
}

func TestDaemon_Cleanup(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg, WithEmbedder(newMockEmbedder()))
	require.NoError(t, err)

	d.scopes = map[string]*ScopeState{
		"scope-1": {ScopeID: "scope-1", LastUsed: time.Now()},
	}

	d.cleanup()

	assert.Empty(t, d.scopes)
	assert.Nil(t, d.embedder)
}

func TestDaemon_ScopesLoaded(t *testing.T) {
	cfg := daemonTestConfig(t)

	d, err := NewDaemon(cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, d.ScopesLoaded())

	d.scopes["scope-1"] = &ScopeState{ScopeID: "scope-1"}
	assert.Equal(t, 1, d.ScopesLoaded())
}
