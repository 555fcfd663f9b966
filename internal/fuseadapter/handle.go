package fuseadapter

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javi11/chunkcached/internal/cache"
)

// Handle is the per-open file handle. Unlike the teacher's NzbFilesystem
// handle, it carries no read-position state of its own: ReadBytes is
// already offset-addressed, so every Read call is independent and safe
// for the kernel to issue out of order or concurrently.
type Handle struct {
	entry *cache.CacheEntry
}

var (
	_ fs.FileReader  = (*Handle)(nil)
	_ fs.FileFlusher = (*Handle)(nil)
	_ fs.FileFsyncer = (*Handle)(nil)
)

func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.entry.ReadBytes(ctx, off, dest)
	if err != nil && n == 0 {
		return nil, translateReadError(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Flush and Fsync are no-ops: the cache entry is read-only from the
// mount's perspective, and the downloader fsyncs the backing file itself
// once a batch has been fully written.
func (h *Handle) Flush(ctx context.Context) syscall.Errno { return 0 }
func (h *Handle) Fsync(ctx context.Context, flags uint32) syscall.Errno { return 0 }

func translateReadError(err error) syscall.Errno {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	case errors.Is(err, cache.ErrChunkUnavailable), errors.Is(err, cache.ErrRemoteUnavailable):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
