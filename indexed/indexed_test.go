package indexed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaseramin777/gpt-neox/types"
)

func buildCorpus(t *testing.T, dtype types.DType, docs ...[]int32) string {
	prefix := filepath.Join(t.TempDir(), "corpus_text_document")
	b, err := NewBuilder(prefix, dtype)
	require.NoError(t, err)
	for _, doc := range docs {
		require.NoError(t, b.AddTokens(doc))
		b.EndDocument()
	}
	require.NoError(t, b.Finalize())
	return prefix
}

func TestBuilderRoundTrip(t *testing.T) {
	prefix := buildCorpus(t, types.Uint16,
		[]int32{1, 2, 3, 4, 5}, []int32{6, 7, 8}, []int32{9, 10, 11, 12, 13, 14, 15, 16})
	ds, err := Open(prefix, DefaultCacheSize)
	require.NoError(t, err)
	defer ds.Close()

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []int32{5, 3, 8}, ds.Sizes())
	assert.Equal(t, []int64{0, 1, 2, 3}, ds.DocIdx())
	assert.Equal(t, types.Uint16, ds.DType)

	whole, err := Get(ds, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{6, 7, 8}, whole)

	suffix, err := GetFrom(ds, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []int32{14, 15, 16}, suffix)

	prefixTokens, err := GetPrefix(ds, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, prefixTokens)

	middle, err := ds.Tokens(2, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{10, 11, 12}, middle)
}

func TestDatasetCache(t *testing.T) {
	prefix := buildCorpus(t, types.Int32, []int32{-100, 4}, []int32{5})
	ds, err := Open(prefix, 8)
	require.NoError(t, err)
	defer ds.Close()

	for i := 0; i < 3; i++ {
		tokens, err := Get(ds, 0)
		require.NoError(t, err)
		assert.Equal(t, []int32{-100, 4}, tokens)
	}
	assert.Equal(t, int64(1), ds.CacheMisses.Load())
	assert.Equal(t, int64(2), ds.CacheHits.Load())
}

func TestDatasetRanges(t *testing.T) {
	prefix := buildCorpus(t, types.Uint16, []int32{1, 2, 3})
	ds, err := Open(prefix, 0)
	require.NoError(t, err)
	defer ds.Close()

	_, err = ds.Tokens(0, 2, 2)
	assert.ErrorIs(t, err, ErrRange)
	_, err = ds.Tokens(1, 0, -1)
	assert.ErrorIs(t, err, ErrRange)
	_, err = ds.Tokens(-1, 0, -1)
	assert.ErrorIs(t, err, ErrRange)
}

func TestFloatValues(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "reward")
	b, err := NewBuilder(prefix, types.Float32)
	require.NoError(t, err)
	require.NoError(t, b.AddValues([]float32{0, 0, 0, 0, 0, 9.5}))
	b.EndDocument()
	require.NoError(t, b.Finalize())

	ds, err := Open(prefix, 0)
	require.NoError(t, err)
	defer ds.Close()
	last, err := LastValue(ds, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(9.5), last)
}

func TestOpenRejectsTruncatedData(t *testing.T) {
	prefix := buildCorpus(t, types.Int32, []int32{1, 2, 3, 4})
	require.NoError(t, os.Truncate(DataPath(prefix), 8))
	_, err := Open(prefix, 0)
	assert.ErrorIs(t, err, ErrFormat)

	require.NoError(t, os.WriteFile(IndexPath(prefix), []byte("garbage"), 0644))
	_, err = Open(prefix, 0)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestMemStore(t *testing.T) {
	s := FromTokens([]int32{1, 2, 3}, []int32{4})
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []int32{3, 1}, s.Sizes())
	values, err := s.Values(0, 1, -1)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, values)

	r := FromValues([]float32{0, 0.5, 7})
	last, err := LastValue(r, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(7), last)
	_, err = LastValue(r, 1)
	assert.ErrorIs(t, err, ErrRange)
}
