package fuseadapter

import (
	"context"
	"log/slog"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javi11/chunkcached/internal/cache"
)

// File is the FUSE node for one remote file. Opening it lazily creates
// (or reuses) the file's CacheEntry through the Manager; reads are
// served directly by the entry and never touch a path hierarchy.
type File struct {
	fs.Inode

	desc    cache.FileDescriptor
	manager *cache.Manager
	logger  *slog.Logger
}

var (
	_ fs.NodeOpener    = (*File)(nil)
	_ fs.NodeGetattrer = (*File)(nil)
)

func (f *File) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillFileAttr(&out.Attr, f.desc.Size)
	return 0
}

func (f *File) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	entry, err := f.manager.Open(ctx, f.desc)
	if err != nil {
		f.logger.Warn("failed to open cache entry", "file_id", f.desc.ID, "error", err)
		return nil, 0, syscall.EIO
	}
	return &Handle{entry: entry}, fuse.FOPEN_KEEP_CACHE, 0
}
