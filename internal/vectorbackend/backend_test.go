package vectorbackend

import (
	"context"
	"testing"

	"github.com/kb-forge/coreengine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_DefaultsToHNSW(t *testing.T) {
	vs, err := Open(Config{Store: store.DefaultVectorStoreConfig(8)})
	require.NoError(t, err)
	require.NotNil(t, vs)
	assert.Equal(t, 0, vs.Count())
}

func TestOpen_ExplicitHNSW(t *testing.T) {
	vs, err := Open(Config{Kind: KindHNSW, Store: store.DefaultVectorStoreConfig(8)})
	require.NoError(t, err)
	require.NotNil(t, vs)
}

func TestOpen_RemoteNotImplemented(t *testing.T) {
	_, err := Open(Config{Kind: KindRemote, Remote: RemoteConfig{Endpoint: "https://example.invalid"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote backend not implemented")
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(Config{Kind: "bogus"})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestOpen_ReturnsVectorStoreInterface(t *testing.T) {
	vs, err := Open(Config{Kind: KindHNSW, Store: store.DefaultVectorStoreConfig(4)})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, vs.Add(ctx, []string{"a"}, [][]float32{{1, 0, 0, 0}}))
	assert.Equal(t, 1, vs.Count())
	require.NoError(t, vs.Close())
}
