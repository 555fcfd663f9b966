package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
)

// Fixed read-ahead sizing used when no duration hint has been set for the
// entry: trigger prefetch once fewer than fixedReadAheadTrigger bytes are
// already cached ahead of the read position, and prefetch up to
// fixedReadAheadTarget bytes ahead.
const (
	fixedReadAheadTrigger int64 = 24 * 1024 * 1024
	fixedReadAheadTarget  int64 = 64 * 1024 * 1024
)

// readAheadTier picks how far ahead (in seconds of estimated playback) to
// prefetch, based on how long the current reader has already been active.
// Chosen so a reader that just started a file — the common case of a seek
// or a fresh open — doesn't trigger a large prefetch before it's shown any
// sign of reading sequentially for a while.
type readAheadTier struct {
	belowSecondsWatched float64
	aheadSeconds        float64
}

var readAheadTiers = []readAheadTier{
	{belowSecondsWatched: 60, aheadSeconds: 30},
	{belowSecondsWatched: 300, aheadSeconds: 90},
	{belowSecondsWatched: -1, aheadSeconds: 180}, // -1: catch-all, checked last
}

// entryStats receives counters entry.go cares about; satisfied by Stats.
// Kept as a narrow interface here rather than importing the concrete type,
// since stats.go is free to grow unrelated counters without this file
// needing to change.
type entryStats interface {
	IncReadAheadSuppressedByPreload()
}

// CacheEntry is one cached remote file: its chunk table, backing sparse
// file, and the bookkeeping needed to serve ReadBytes calls and feed the
// eviction sweeper. One CacheEntry is created per distinct FileDescriptor
// the manager opens, and lives until the sweeper or an explicit removal
// drops it.
type CacheEntry struct {
	desc        FileDescriptor
	fs          afero.Fs
	binPath     string
	metaPath    string
	readFile    afero.File
	chunks      []*Chunk
	totalChunks int

	readers     *ReaderTracker
	downloader  *Downloader
	gracePeriod time.Duration
	preload     *Preload
	stats       entryStats

	durationHintNanos atomic.Int64

	logger *slog.Logger
}

// newCacheEntry loads or creates the sidecar metadata and sparse backing
// file for fd under dir, and opens a read-only handle for ReadBytes.
func newCacheEntry(fs afero.Fs, dir string, fd FileDescriptor, downloader *Downloader, gracePeriod time.Duration, preload *Preload, stats entryStats, logger *slog.Logger) (*CacheEntry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("file_id", fd.ID)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	bp := binPath(dir, fd.ID)
	mp := metaPath(dir, fd.ID)

	if err := ensureBackingFile(fs, bp, fd.Size); err != nil {
		return nil, fmt.Errorf("ensure backing file: %w", err)
	}

	total := totalChunks(fd.Size)
	chunks, err := loadOrInitChunks(mp, fd.Size, total, logger)
	if err != nil {
		return nil, err
	}
	if err := writeMeta(mp, serializeChunks(chunks)); err != nil {
		return nil, fmt.Errorf("write initial cachemeta: %w", err)
	}

	f, err := fs.Open(bp)
	if err != nil {
		return nil, fmt.Errorf("open backing file for reads: %w", err)
	}

	return &CacheEntry{
		desc:        fd,
		fs:          fs,
		binPath:     bp,
		metaPath:    mp,
		readFile:    f,
		chunks:      chunks,
		totalChunks: total,
		readers:     NewReaderTracker(),
		downloader:  downloader,
		gracePeriod: gracePeriod,
		preload:     preload,
		stats:       stats,
		logger:      logger,
	}, nil
}

func ensureBackingFile(fs afero.Fs, path string, size int64) error {
	if _, err := fs.Stat(path); err == nil {
		return fs.Truncate(path, size)
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// loadOrInitChunks reads the sidecar file and reuses it if it describes
// exactly the chunk count this file size implies; otherwise it rebuilds a
// fresh, all-uncached chunk table, discarding a stale or corrupt sidecar
// rather than failing the open outright.
func loadOrInitChunks(metaPath string, fileSize int64, total int, logger *slog.Logger) ([]*Chunk, error) {
	metas, err := readMeta(metaPath)
	if err != nil {
		logger.Warn("cachemeta unreadable, rebuilding fresh", "error", err)
		metas = nil
	}
	if len(metas) == total {
		return chunksFromMeta(metas), nil
	}
	if metas != nil {
		logger.Warn("cachemeta chunk count mismatch, rebuilding fresh", "expected", total, "got", len(metas))
	}
	chunks := make([]*Chunk, total)
	for i := range chunks {
		chunks[i] = NewChunk(i, fileSize)
	}
	return chunks, nil
}

// SetDurationHint records an estimated playback duration for the file,
// used to scale read-ahead to a target number of seconds rather than a
// fixed byte count.
func (e *CacheEntry) SetDurationHint(d time.Duration) {
	e.durationHintNanos.Store(int64(d))
}

// DurationHint returns the most recently set duration hint, or zero if
// none has been set.
func (e *CacheEntry) DurationHint() time.Duration {
	return time.Duration(e.durationHintNanos.Load())
}

// HasAnyResidentChunk reports whether at least one chunk of the entry is
// currently cached. Nothing in this package calls it; it lets an external
// caller, such as a duration probe, skip a file that has no chunk cached.
func (e *CacheEntry) HasAnyResidentChunk() bool {
	for _, c := range e.chunks {
		if c.Cached() {
			return true
		}
	}
	return false
}

// ReadBytes serves a read by queueing any missing chunks the range needs,
// opportunistically queueing read-ahead beyond it, waiting only for the
// chunks the caller actually asked for, and then reading directly from the
// sparse backing file. Read-ahead chunks are fired and forgotten: a caller
// is never kept waiting on a prefetch.
func (e *CacheEntry) ReadBytes(ctx context.Context, offset int64, buf []byte) (int, error) {
	if offset < 0 || offset >= e.desc.Size {
		return 0, io.EOF
	}
	size := int64(len(buf))
	if offset+size > e.desc.Size {
		size = e.desc.Size - offset
		buf = buf[:size]
	}
	if size == 0 {
		return 0, nil
	}

	startIdx := int(offset / ChunkSize)
	endIdx := int((offset + size - 1) / ChunkSize)
	needed := e.chunks[startIdx : endIdx+1]

	reader := e.readers.Touch(offset, size)

	queueSet, preloadAdded := e.withPreloadChunks(startIdx, endIdx)

	nextIdx := endIdx + 1
	nextAlreadyInFlight := nextIdx < e.totalChunks && (e.chunks[nextIdx].Cached() || e.chunks[nextIdx].IsBusy())
	if preloadAdded && nextAlreadyInFlight {
		if e.stats != nil {
			e.stats.IncReadAheadSuppressedByPreload()
		}
	} else if ahead := e.planReadAhead(reader, endIdx); len(ahead) > 0 {
		queueSet = mergeChunksByIndex(queueSet, ahead)
	}

	e.queueMissing(queueSet)

	if err := e.waitForChunks(ctx, needed); err != nil {
		return 0, err
	}

	n, err := e.readFile.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("read backing file: %w", err)
	}
	for _, c := range needed {
		c.Touch()
	}
	return n, nil
}

// withPreloadChunks builds chunks_to_queue per spec §4.5 step 3: the
// covering range, plus — if chunk_preload is configured and the covering
// range intersects the head or tail preload zone — every preload chunk
// not already in the range. Reports whether any preload chunk was
// actually appended, so the caller can gate read-ahead per step 4.
func (e *CacheEntry) withPreloadChunks(startIdx, endIdx int) ([]*Chunk, bool) {
	covering := e.chunks[startIdx : endIdx+1]
	if e.preload == nil || !(e.isPreloaded(startIdx) || e.isPreloaded(endIdx)) {
		return append([]*Chunk(nil), covering...), false
	}

	inRange := make(map[int]bool, len(covering))
	for _, c := range covering {
		inRange[c.Index] = true
	}

	merged := append([]*Chunk(nil), covering...)
	added := false
	for _, c := range e.preloadChunks() {
		if inRange[c.Index] {
			continue
		}
		inRange[c.Index] = true
		merged = append(merged, c)
		added = true
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })
	return merged, added
}

// preloadChunks returns every chunk pinned by chunk_preload: indices 0
// through Head and the last Tail chunks, without duplicating a chunk that
// falls in both zones on a small file.
func (e *CacheEntry) preloadChunks() []*Chunk {
	if e.preload == nil {
		return nil
	}

	headEnd := e.preload.Head
	if headEnd >= e.totalChunks {
		headEnd = e.totalChunks - 1
	}

	var out []*Chunk
	for i := 0; i <= headEnd; i++ {
		out = append(out, e.chunks[i])
	}

	tailStart := e.totalChunks - e.preload.Tail
	if tailStart <= headEnd {
		tailStart = headEnd + 1
	}
	for i := tailStart; i < e.totalChunks; i++ {
		out = append(out, e.chunks[i])
	}
	return out
}

// mergeChunksByIndex returns base plus any chunks from extra whose index
// isn't already present in base, sorted by index.
func mergeChunksByIndex(base, extra []*Chunk) []*Chunk {
	seen := make(map[int]bool, len(base))
	for _, c := range base {
		seen[c.Index] = true
	}

	merged := append([]*Chunk(nil), base...)
	for _, c := range extra {
		if seen[c.Index] {
			continue
		}
		seen[c.Index] = true
		merged = append(merged, c)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })
	return merged
}

// queueMissing claims every not-yet-cached, not-currently-busy chunk in
// chunks via TryAcquire, batches contiguous runs of claimed chunks, and
// fires one background download per run. Chunks already cached, or whose
// guard is held by another caller's in-flight download, are left alone —
// the latter are picked up by waitForChunks instead. chunks need not be
// contiguous itself (e.g. a covering range plus a distant preload zone):
// a run is flushed whenever the next claimed chunk's index doesn't
// immediately follow the previous one, since DownloadBatch requires a
// contiguous index run.
func (e *CacheEntry) queueMissing(chunks []*Chunk) {
	var batch []*Chunk
	flush := func() {
		if len(batch) == 0 {
			return
		}
		toDownload := batch
		batch = nil
		go e.runDownload(toDownload)
	}

	for _, c := range chunks {
		if c.Cached() {
			flush()
			continue
		}
		if !c.TryAcquire() {
			flush()
			continue
		}
		if last := len(batch); last > 0 && batch[last-1].Index != c.Index-1 {
			flush()
		}
		batch = append(batch, c)
	}
	flush()
}

// runDownload executes one batch download in the background, detached
// from the triggering read's context: a client disconnect must not abort
// bytes already in flight toward the cache, since another reader may be
// waiting on the same chunks.
func (e *CacheEntry) runDownload(batch []*Chunk) {
	if err := e.downloader.DownloadBatch(context.Background(), e.binPath, e.metaPath, e.desc, batch); err != nil {
		e.logger.Warn("chunk batch download failed",
			"start_index", batch[0].Index, "end_index", batch[len(batch)-1].Index, "error", err)
	}
}

// waitForChunks polls every chunk in chunks every 20ms until each is
// either cached (success) or observably idle with no guard held and still
// uncached (the download that owned it failed and released without
// publishing). The poll interval is a pragmatic compromise: condition
// variables would need to thread through every release path including
// eviction, for a wait that in practice resolves in low hundreds of
// milliseconds.
func (e *CacheEntry) waitForChunks(ctx context.Context, chunks []*Chunk) error {
	const pollInterval = 20 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ready := true
		for _, c := range chunks {
			if c.Cached() {
				continue
			}
			if c.IsBusy() {
				ready = false
				continue
			}
			return ErrChunkUnavailable
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// planReadAhead returns the additional chunks beyond endIdx that should be
// queued in the background, or nil if enough is already cached ahead of
// the reader. aheadBytes scales with DurationHint when set; otherwise it
// falls back to the fixed trigger/target pair.
func (e *CacheEntry) planReadAhead(reader Reader, endIdx int) []*Chunk {
	aheadBytes := fixedReadAheadTarget
	triggerBytes := fixedReadAheadTrigger

	if hint := e.DurationHint(); hint > 0 && e.desc.Size > 0 {
		bytesPerSecond := float64(e.desc.Size) / hint.Seconds()
		secondsWatched := float64(reader.BytesRead) / bytesPerSecond
		aheadSeconds := selectReadAheadSeconds(secondsWatched)
		aheadBytes = int64(aheadSeconds * bytesPerSecond)
		if aheadBytes < fixedReadAheadTrigger {
			aheadBytes = fixedReadAheadTrigger
		}
		triggerBytes = aheadBytes
	}

	cachedAhead := int64(0)
	probe := endIdx + 1
	for probe < e.totalChunks && e.chunks[probe].Cached() {
		cachedAhead += e.chunks[probe].Size
		probe++
	}

	if cachedAhead >= triggerBytes {
		return nil
	}

	// Start past the run already counted in cachedAhead so its bytes are
	// not added to accumulated a second time.
	targetEndIdx := probe - 1
	accumulated := cachedAhead
	for targetEndIdx+1 < e.totalChunks && accumulated < aheadBytes {
		targetEndIdx++
		accumulated += e.chunks[targetEndIdx].Size
	}
	if targetEndIdx <= endIdx {
		return nil
	}
	return e.chunks[endIdx+1 : targetEndIdx+1]
}

func (e *CacheEntry) isPreloaded(index int) bool {
	if e.preload == nil {
		return false
	}
	return index <= e.preload.Head || index >= e.totalChunks-e.preload.Tail
}

func selectReadAheadSeconds(secondsWatched float64) float64 {
	for _, tier := range readAheadTiers {
		if tier.belowSecondsWatched < 0 || secondsWatched < tier.belowSecondsWatched {
			return tier.aheadSeconds
		}
	}
	return readAheadTiers[len(readAheadTiers)-1].aheadSeconds
}

// tryRemove removes the entry's backing artefacts from disk, but only if
// no chunk guard is currently held: a download or eviction in flight wins
// over removal, and the caller (the sweeper) is expected to retry later
// rather than interrupt it.
func (e *CacheEntry) tryRemove() error {
	acquired := make([]*Chunk, 0, len(e.chunks))
	for _, c := range e.chunks {
		if !c.TryAcquire() {
			for _, a := range acquired {
				a.Release()
			}
			return ErrBusy
		}
		acquired = append(acquired, c)
	}
	defer func() {
		for _, a := range acquired {
			a.Release()
		}
	}()

	if err := e.readFile.Close(); err != nil {
		e.logger.Warn("failed to close backing file before removal", "error", err)
	}
	if err := e.fs.Remove(e.binPath); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove backing file: %w", err)
	}
	if err := e.fs.Remove(e.metaPath); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove cachemeta: %w", err)
	}
	return nil
}

func isNotExist(err error) bool {
	return err != nil && afero.IsNotExist(err)
}
