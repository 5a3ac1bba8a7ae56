package embedprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAdapter_EmbedBatch_PreservesOrderAndDimension(t *testing.T) {
	a := NewStaticAdapter()
	ctx := context.Background()

	texts := []string{"package main", "func main() {}", "import fmt"}
	vecs, err := a.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for _, v := range vecs {
		assert.Equal(t, a.Dimension(), len(v))
	}

	// Deterministic: re-embedding the same text gives the same vector.
	again, err := a.EmbedBatch(ctx, texts[:1])
	require.NoError(t, err)
	assert.Equal(t, vecs[0], again[0])
}

func TestStaticAdapter_EmbedBatch_RejectsEmptyAfterSanitize(t *testing.T) {
	a := NewStaticAdapter()
	_, err := a.EmbedBatch(context.Background(), []string{"real text", "\x00\x00\x00"})
	require.Error(t, err)

	var invalidErr *InvalidInputError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, 1, invalidErr.Index)
}

func TestSanitizeText_StripsNULAndTrims(t *testing.T) {
	assert.Equal(t, "hello world", sanitizeText("  hello\x00 world\x00  "))
}
