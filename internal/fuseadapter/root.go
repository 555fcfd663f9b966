package fuseadapter

import (
	"context"
	"log/slog"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javi11/chunkcached/internal/cache"
)

// FileLister exposes the set of remote files currently known to the
// wider system, so the mount can present a directory listing without the
// cache core needing to know anything about filesystem paths. The
// relational store behind a real implementation is out of scope here.
type FileLister interface {
	ListFiles() []cache.FileDescriptor
}

// Root is the single flat directory the mount exposes: every known
// remote file as one entry, named after its remote path's base name. A
// hierarchical tree (the teacher's NzbFilesystem) is not reproduced here
// — nothing in this cache's domain needs directory structure beyond one
// level.
type Root struct {
	fs.Inode

	manager *cache.Manager
	lister  FileLister
	logger  *slog.Logger
}

// NewRoot constructs the mount's root directory node.
func NewRoot(manager *cache.Manager, lister FileLister, logger *slog.Logger) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{manager: manager, lister: lister, logger: logger.With("component", "fuseadapter")}
}

var (
	_ fs.NodeLookuper  = (*Root)(nil)
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeGetattrer = (*Root)(nil)
)

func (r *Root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillDirAttr(&out.Attr)
	return 0
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	files := r.lister.ListFiles()
	entries := make([]fuse.DirEntry, 0, len(files))
	for _, fd := range files {
		entries = append(entries, fuse.DirEntry{
			Name: displayName(fd),
			Mode: syscall.S_IFREG,
			Ino:  hashFileID(fd.ID),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	for _, fd := range r.lister.ListFiles() {
		if displayName(fd) != name {
			continue
		}
		fillFileAttr(&out.Attr, fd.Size)
		child := &File{desc: fd, manager: r.manager, logger: r.logger}
		return r.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG, Ino: hashFileID(fd.ID)}), 0
	}
	return nil, syscall.ENOENT
}
