package fuseadapter

import (
	"hash"
	"hash/fnv"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javi11/chunkcached/internal/cache"
)

// hasherPool amortizes FNV hasher allocation across the many inode-number
// derivations a large flat directory listing performs; grounded on the
// same sync.Pool-over-hash.Hash64 pattern used to hash paths into stable
// inode numbers elsewhere in this corpus.
var hasherPool = sync.Pool{
	New: func() any { return fnv.New64a() },
}

// hashFileID derives a stable inode number from a file id, so the same
// remote file always resolves to the same inode across Lookup calls.
func hashFileID(id string) uint64 {
	h := hasherPool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// displayName derives the leaf name shown in the mount's flat directory
// listing for fd: the remote path's base name, falling back to the file
// id when no remote path is recorded.
func displayName(fd cache.FileDescriptor) string {
	if fd.RemotePath != "" {
		return path.Base(fd.RemotePath)
	}
	return fd.ID
}

func fillFileAttr(out *fuse.Attr, size int64) {
	out.Mode = 0o444 | syscall.S_IFREG
	out.Size = uint64(size)
	now := time.Now()
	out.SetTimes(&now, &now, &now)
}

func fillDirAttr(out *fuse.Attr) {
	out.Mode = 0o555 | syscall.S_IFDIR
	now := time.Now()
	out.SetTimes(&now, &now, &now)
}
