package cache

import "errors"

// Sentinel errors returned by CacheEntry.ReadBytes, the Manager, Chunk and
// the Downloader, and checked by the filesystem adapter. Transient
// classifications handled internally by the downloader (ratelimit,
// 5xx-transient, connection/stream faults) are retried there first.
var (
	// ErrChunkUnavailable is returned when a chunk required to satisfy a
	// read is neither cached nor currently downloading: a previous
	// download attempt for it failed and released its guard without
	// publishing. The caller is responsible for retrying; a fresh
	// ReadBytes call re-queues the chunk.
	ErrChunkUnavailable = errors.New("cache: chunk unavailable")

	// ErrNotCached is returned by Chunk.TryEvict when called on a chunk
	// that is not currently resident.
	ErrNotCached = errors.New("cache: chunk not cached")

	// ErrBusy is returned by Entry.tryRemove when any chunk guard in the
	// entry is currently held, and by Manager when a removal races a
	// download.
	ErrBusy = errors.New("cache: entry busy")

	// ErrRemoteUnavailable wraps failures resolving or fetching from the
	// remote source that DownloadBatch returns after its retry schedule is
	// exhausted (or at once, for a non-retryable status). ReadBytes does not
	// return it: a failed background download reaches a reader as
	// ErrChunkUnavailable.
	ErrRemoteUnavailable = errors.New("cache: remote unavailable")
)
