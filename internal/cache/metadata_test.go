package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMeta_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := metaPath(dir, "file-1")

	chunks := []*Chunk{NewChunk(0, ChunkSize*2), NewChunk(1, ChunkSize*2)}
	chunks[0].publishCached()

	require.NoError(t, writeMeta(path, serializeChunks(chunks)))

	metas, err := readMeta(path)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	loaded := chunksFromMeta(metas)
	assert.True(t, loaded[0].Cached())
	assert.False(t, loaded[1].Cached())
	assert.Equal(t, chunks[0].Offset, loaded[0].Offset)
	assert.Equal(t, chunks[1].Size, loaded[1].Size)
}

func TestReadMeta_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	metas, err := readMeta(filepath.Join(dir, "does-not-exist.cachemeta"))
	require.NoError(t, err)
	assert.Nil(t, metas)
}

func TestWriteMeta_OverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := metaPath(dir, "file-2")

	first := []*Chunk{NewChunk(0, ChunkSize)}
	require.NoError(t, writeMeta(path, serializeChunks(first)))

	second := []*Chunk{NewChunk(0, ChunkSize), NewChunk(1, ChunkSize*2)}
	second[1].publishCached()
	require.NoError(t, writeMeta(path, serializeChunks(second)))

	metas, err := readMeta(path)
	require.NoError(t, err)
	require.Len(t, metas, 2, "rewritten wholesale, not appended")
	assert.True(t, metas[1].Cached)
}

func TestBinPathAndMetaPath_DeriveFromID(t *testing.T) {
	dir := "/var/cache"
	assert.Equal(t, filepath.Join(dir, "abc.bin"), binPath(dir, "abc"))
	assert.Equal(t, filepath.Join(dir, "abc.cachemeta"), metaPath(dir, "abc"))
}
