package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// ChunkSize is the fixed logical size of a cache chunk. Only the last
// chunk of a file may be shorter, when file_size is not a multiple of it.
const ChunkSize int64 = 8 * 1024 * 1024

// ChunkPriority ranks a chunk's retention value at eviction time. Lower
// ordinal means more valuable to keep; the sweeper evicts starting from
// the highest ordinal.
type ChunkPriority int

const (
	PriorityGracePeriod ChunkPriority = iota
	PriorityPreloaded
	PriorityFirstChunk
	PriorityLastChunk
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p ChunkPriority) String() string {
	switch p {
	case PriorityGracePeriod:
		return "grace_period"
	case PriorityPreloaded:
		return "preloaded"
	case PriorityFirstChunk:
		return "first_chunk"
	case PriorityLastChunk:
		return "last_chunk"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// percentileBand maps a byte-center percentile to a priority for chunks
// that are neither the first, last, preloaded, nor within the grace
// period.
type percentileBand struct {
	lo, hi   int64
	priority ChunkPriority
}

var percentileBands = []percentileBand{
	{0, 20, PriorityHigh},
	{21, 95, PriorityLow},
	{96, 100, PriorityMedium},
}

// Preload pins chunk indices 0 through `Head` (Head+1 chunks) and the last
// `Tail` chunks of every file at PriorityPreloaded, keeping metadata probes (which read only the
// boundaries) cheap to re-serve.
type Preload struct {
	Head int
	Tail int
}

// Chunk is the unit of cache residency: a fixed-size, index-addressed
// slice of a logical file. cached and accessedAt are atomic so the
// downloader's writer and concurrent readers can publish/observe state
// without a lock; the guard is the sole serialization primitive for
// per-chunk work (queueing, downloading, eviction).
type Chunk struct {
	Index  int
	Offset int64
	Size   int64

	accessedAt atomic.Int64 // unix seconds, relaxed ordering
	cached     atomic.Bool  // release-store on publish, acquire-load on read

	guard sync.Mutex
}

// NewChunk constructs a chunk at the given index for a file of the given
// size, deriving its size with chunkSizeAt.
func NewChunk(index int, fileSize int64) *Chunk {
	c := &Chunk{
		Index:  index,
		Offset: int64(index) * ChunkSize,
		Size:   chunkSizeAt(index, fileSize),
	}
	c.accessedAt.Store(time.Now().Unix())
	return c
}

// chunkSizeAt returns the size of the chunk at index for a file of
// fileSize bytes: ChunkSize for every chunk except the last, whose size
// is fileSize mod ChunkSize (or ChunkSize itself when the file size is
// an exact multiple).
func chunkSizeAt(index int, fileSize int64) int64 {
	total := totalChunks(fileSize)
	if index < total-1 {
		return ChunkSize
	}
	rem := fileSize % ChunkSize
	if rem == 0 {
		return ChunkSize
	}
	return rem
}

// totalChunks returns ceil(fileSize / ChunkSize), with a minimum of 1 so
// zero-length files still get a single (empty) chunk.
func totalChunks(fileSize int64) int {
	if fileSize <= 0 {
		return 1
	}
	n := fileSize / ChunkSize
	if fileSize%ChunkSize != 0 {
		n++
	}
	return int(n)
}

// Cached reports the published residency state.
func (c *Chunk) Cached() bool {
	return c.cached.Load()
}

// Touch records the current time as the chunk's last-access timestamp.
func (c *Chunk) Touch() {
	c.accessedAt.Store(time.Now().Unix())
}

// AccessedAt returns the last-access timestamp in unix seconds.
func (c *Chunk) AccessedAt() int64 {
	return c.accessedAt.Load()
}

// IsBusy reports whether the chunk should be left alone by a planner:
// already cached, or currently being downloaded. It never blocks.
func (c *Chunk) IsBusy() bool {
	if c.cached.Load() {
		return true
	}
	if !c.guard.TryLock() {
		return true
	}
	c.guard.Unlock()
	return false
}

// TryAcquire attempts a non-blocking exclusive acquisition of the chunk
// guard, transferring ownership to the caller on success. Used by the
// queueing path (to claim a chunk for download) and the waiting path (to
// detect "no one is downloading this").
func (c *Chunk) TryAcquire() bool {
	return c.guard.TryLock()
}

// Acquire blocks until the chunk guard is held. Nothing in this module
// calls it: the downloader receives guards already claimed by queueing,
// and the eviction sweeper only uses the non-blocking TryEvict. Exported
// for symmetry with TryAcquire and Release.
func (c *Chunk) Acquire() {
	c.guard.Lock()
}

// Release drops the chunk guard. For a completed download this is the
// signal that lets readers blocked in waitForChunks observe either
// cached=true (success) or cached=false (failure, ErrChunkUnavailable).
func (c *Chunk) Release() {
	c.guard.Unlock()
}

// TryEvict claims the chunk guard for eviction and verifies the chunk is
// actually resident. Returns (false, nil) if the guard is held by a
// download or another eviction — the caller should skip the chunk and
// move on. Returns (false, ErrNotCached) if the guard was free but the
// chunk was never cached; ownership is not transferred in either case.
// On (true, nil) the caller owns the guard and must Release it once the
// hole is punched and cached is cleared.
func (c *Chunk) TryEvict() (bool, error) {
	if !c.guard.TryLock() {
		return false, nil
	}
	if !c.cached.Load() {
		c.guard.Unlock()
		return false, ErrNotCached
	}
	return true, nil
}

// publishCached sets cached=true. Called only by the downloader's write
// loop, after the corresponding byte range has been durably written to
// the backing file, while the chunk's guard is held by the caller.
func (c *Chunk) publishCached() {
	c.cached.Store(true)
}

// clearCached resets cached=false. Used by eviction after a hole-punch.
func (c *Chunk) clearCached() {
	c.cached.Store(false)
}

// Priority computes the chunk's retention class per the rules in order:
// grace period, first chunk, last chunk, preload pinning, then the
// byte-center percentile band.
func (c *Chunk) Priority(fileSize int64, totalChunks int, gracePeriod time.Duration, preload *Preload) ChunkPriority {
	now := time.Now().Unix()
	if gracePeriod > 0 && now-c.accessedAt.Load() < int64(gracePeriod/time.Second) {
		return PriorityGracePeriod
	}
	if c.Index == 0 {
		return PriorityFirstChunk
	}
	if c.Index == totalChunks-1 {
		return PriorityLastChunk
	}
	if preload != nil && (c.Index <= preload.Head || c.Index >= totalChunks-preload.Tail) {
		return PriorityPreloaded
	}

	center := c.Offset + c.Size/2
	var percentile int64
	if fileSize > 0 {
		percentile = center * 100 / fileSize
	}
	for _, band := range percentileBands {
		if percentile >= band.lo && percentile <= band.hi {
			return band.priority
		}
	}
	// Falls through only if fileSize is degenerate (e.g. 0); treat as Low
	// rather than panic, since a 0-byte file has no meaningful retention
	// preference.
	return PriorityLow
}
