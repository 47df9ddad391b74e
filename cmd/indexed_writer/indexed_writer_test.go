package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaseramin777/gpt-neox/indexed"
	"github.com/vaseramin777/gpt-neox/types"
)

const eot = 50256

func writeTokens(t *testing.T, path string, dtype types.DType,
	tokens ...int32) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	bin, err := types.ToBin(tokens, dtype)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bin, 0644))
}

func readAll(t *testing.T, prefix string) [][]int32 {
	ds, err := indexed.Open(prefix, 0)
	require.NoError(t, err)
	defer ds.Close()
	docs := make([][]int32, ds.Len())
	for doc := range docs {
		tokens, err := indexed.Get(ds, doc)
		require.NoError(t, err)
		docs[doc] = append([]int32(nil), tokens...)
	}
	return docs
}

func TestGlobAndOrder(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, filepath.Join(dir, "b", "nested", "1.tokens"),
		types.Uint16, 1, 2, 3)
	writeTokens(t, filepath.Join(dir, "a.tokens"), types.Uint16, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("skip"), 0644))

	paths, err := GlobTokens(dir, []string{".tokens"})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	require.NoError(t, OrderPaths(paths, "size_descending", 0))
	assert.Equal(t, int64(6), paths[0].Size)
	require.NoError(t, OrderPaths(paths, "", 0))
	assert.True(t, strings.HasSuffix(paths[0].Path, "a.tokens"))
	assert.Error(t, OrderPaths(paths, "sideways", 0))

	_, err = GlobTokens(dir, []string{".jsonl"})
	assert.Error(t, err)
}

func TestConvertSplitsOnEndOfText(t *testing.T) {
	dir := t.TempDir()
	// The second document spans both files.
	writeTokens(t, filepath.Join(dir, "0.tokens"), types.Uint16,
		10, 11, eot, 12, 13)
	writeTokens(t, filepath.Join(dir, "1.tokens"), types.Uint16,
		14, eot, 0, 0, 15)
	paths, err := GlobTokens(dir, []string{".tokens"})
	require.NoError(t, err)
	require.NoError(t, OrderPaths(paths, "", 0))

	prefix := filepath.Join(t.TempDir(), "out_text_document")
	builder, err := indexed.NewBuilder(prefix, types.Uint16)
	require.NoError(t, err)
	c := &Converter{Builder: builder, InputDType: types.Uint16,
		EndOfText: eot, Padding: 0}
	require.NoError(t, c.Convert(paths, false))
	require.NoError(t, builder.Finalize())

	assert.Equal(t, 3, c.Documents)
	assert.Equal(t, int64(8), c.Tokens)
	assert.Equal(t, [][]int32{{10, 11, eot}, {12, 13, 14, eot}, {15}},
		readAll(t, prefix))
}

func TestConvertJSONL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs.jsonl"),
		[]byte("[1, 2, 3]\n\n{\"tokens\": [4, 5]}\n"), 0644))
	paths, err := GlobTokens(dir, []string{".jsonl"})
	require.NoError(t, err)

	prefix := filepath.Join(t.TempDir(), "out_text_document")
	builder, err := indexed.NewBuilder(prefix, types.Int32)
	require.NoError(t, err)
	c := &Converter{Builder: builder, EndOfText: -1, Padding: -1}
	require.NoError(t, c.Convert(paths, false))
	require.NoError(t, builder.Finalize())
	assert.Equal(t, [][]int32{{1, 2, 3}, {4, 5}}, readAll(t, prefix))
}

func TestReadFlatRejectsStrayBytes(t *testing.T) {
	c := &Converter{InputDType: types.Uint32, EndOfText: -1, Padding: -1}
	err := c.ReadFlat(bytes.NewReader([]byte{1, 0, 0, 0, 2, 0}))
	assert.Error(t, err)
}
