package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSizeAt_LastChunkShorter(t *testing.T) {
	fileSize := int64(20 * 1024 * 1024) // 2 full chunks + 4MiB remainder
	require.Equal(t, 3, totalChunks(fileSize))
	assert.Equal(t, ChunkSize, chunkSizeAt(0, fileSize))
	assert.Equal(t, ChunkSize, chunkSizeAt(1, fileSize))
	assert.Equal(t, fileSize-2*ChunkSize, chunkSizeAt(2, fileSize))
}

func TestChunkSizeAt_ExactMultiple(t *testing.T) {
	fileSize := 2 * ChunkSize
	require.Equal(t, 2, totalChunks(fileSize))
	assert.Equal(t, ChunkSize, chunkSizeAt(1, fileSize))
}

func TestTotalChunks_ZeroSizeFileGetsOneChunk(t *testing.T) {
	assert.Equal(t, 1, totalChunks(0))
}

func TestChunk_CachedLifecycle(t *testing.T) {
	c := NewChunk(0, ChunkSize)
	assert.False(t, c.Cached())
	assert.False(t, c.IsBusy())

	require.True(t, c.TryAcquire())
	assert.True(t, c.IsBusy(), "guard held counts as busy")
	assert.False(t, c.TryAcquire(), "guard already held")

	c.publishCached()
	c.Release()

	assert.True(t, c.Cached())
	assert.True(t, c.IsBusy(), "cached chunks are also reported busy (leave-alone)")
}

func TestChunk_TryEvict_FailsWithNotCachedOnNonResidentChunk(t *testing.T) {
	c := NewChunk(0, ChunkSize)

	ok, err := c.TryEvict()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotCached)

	// The guard must not have been left held on the NotCached path.
	assert.True(t, c.TryAcquire())
	c.Release()
}

func TestChunk_TryEvict_SkipsBusyChunkWithoutError(t *testing.T) {
	c := NewChunk(0, ChunkSize)
	c.publishCached()
	require.True(t, c.TryAcquire())
	defer c.Release()

	ok, err := c.TryEvict()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestChunk_TryEvict_SucceedsAndTransfersGuardOnCachedChunk(t *testing.T) {
	c := NewChunk(0, ChunkSize)
	c.publishCached()

	ok, err := c.TryEvict()
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, c.TryAcquire(), "guard must be transferred to the caller")
	c.Release()
}

func TestChunk_TouchUpdatesAccessedAt(t *testing.T) {
	c := NewChunk(0, ChunkSize)
	c.accessedAt.Store(0)
	c.Touch()
	assert.Greater(t, c.AccessedAt(), int64(0))
}

func TestChunk_Priority_FirstAndLastChunk(t *testing.T) {
	fileSize := 3 * ChunkSize
	total := totalChunks(fileSize)

	first := NewChunk(0, fileSize)
	first.accessedAt.Store(0)
	assert.Equal(t, PriorityFirstChunk, first.Priority(fileSize, total, 0, nil))

	last := NewChunk(total-1, fileSize)
	last.accessedAt.Store(0)
	assert.Equal(t, PriorityLastChunk, last.Priority(fileSize, total, 0, nil))
}

func TestChunk_Priority_GracePeriodOverridesEverything(t *testing.T) {
	fileSize := 3 * ChunkSize
	total := totalChunks(fileSize)
	c := NewChunk(0, fileSize) // would otherwise be PriorityFirstChunk
	c.Touch()

	assert.Equal(t, PriorityGracePeriod, c.Priority(fileSize, total, time.Hour, nil))
}

func TestChunk_Priority_PreloadPinning(t *testing.T) {
	fileSize := 10 * ChunkSize
	total := totalChunks(fileSize)
	preload := &Preload{Head: 2, Tail: 2}

	middleButPinned := NewChunk(1, fileSize)
	middleButPinned.accessedAt.Store(0)
	assert.Equal(t, PriorityPreloaded, middleButPinned.Priority(fileSize, total, 0, preload))

	tailPinned := NewChunk(total-2, fileSize)
	tailPinned.accessedAt.Store(0)
	assert.Equal(t, PriorityPreloaded, tailPinned.Priority(fileSize, total, 0, preload))
}

func TestChunk_Priority_PercentileBands(t *testing.T) {
	fileSize := 100 * ChunkSize
	total := totalChunks(fileSize)

	// Index 5 sits well inside the 0-20% band (excluding index 0, which is
	// always PriorityFirstChunk regardless of percentile).
	highBand := NewChunk(5, fileSize)
	highBand.accessedAt.Store(0)
	assert.Equal(t, PriorityHigh, highBand.Priority(fileSize, total, 0, nil))

	// Index 50 sits in the 21-95% band.
	lowBand := NewChunk(50, fileSize)
	lowBand.accessedAt.Store(0)
	assert.Equal(t, PriorityLow, lowBand.Priority(fileSize, total, 0, nil))
}
