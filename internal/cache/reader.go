package cache

import (
	"sync"
	"time"
)

// MaxReaderMergeGap bounds how far a read's offset may drift from a
// tracked reader's position and still be considered the same sequential
// reader. Chosen to be larger than typical player re-buffer jitter but
// smaller than a user seek.
const MaxReaderMergeGap int64 = 16 * 1024 * 1024

// Reader is a snapshot of an inferred sequential reader's progress,
// consulted by the read-ahead policy to scale prefetch to how long a
// given reader has been active rather than to the size of any one read.
type Reader struct {
	Position  int64
	BytesRead int64
	LastRead  time.Time
}

func newReader(offset, size int64) *Reader {
	return &Reader{
		Position:  offset + size,
		BytesRead: size,
		LastRead:  time.Now(),
	}
}

func (r *Reader) matches(offset int64) bool {
	gap := r.Position - offset
	if gap < 0 {
		gap = -gap
	}
	return gap <= MaxReaderMergeGap
}

func (r *Reader) update(offset, size int64) {
	r.Position = offset + size
	r.BytesRead += size
	r.LastRead = time.Now()
}

// ReaderTracker infers active sequential readers for a single cache
// entry. The list is expected to stay small (a handful of concurrent
// seeks at most), so a linear scan under one mutex is adequate.
type ReaderTracker struct {
	mu      sync.Mutex
	readers []*Reader
}

// NewReaderTracker constructs an empty tracker.
func NewReaderTracker() *ReaderTracker {
	return &ReaderTracker{}
}

// Touch records a read of `size` bytes at `offset`, merging into an
// existing reader within MaxReaderMergeGap of its position or creating a
// new one, and returns a snapshot of the (possibly just-created) reader.
// Stale readers are never evicted: they are harmless, since read-ahead
// only consults a reader during an active read on its path.
func (t *ReaderTracker) Touch(offset, size int64) Reader {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.readers {
		if r.matches(offset) {
			r.update(offset, size)
			return *r
		}
	}

	r := newReader(offset, size)
	t.readers = append(t.readers, r)
	return *r
}
