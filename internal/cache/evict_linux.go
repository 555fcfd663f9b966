//go:build linux

package cache

import (
	"fmt"
	"os"
	"syscall"
)

// punchHole deallocates the byte range [offset, offset+size) of f without
// shrinking it, so the chunk's blocks are returned to the filesystem while
// the sparse backing file keeps its overall extent and every other
// chunk's offset stays valid.
func punchHole(f *os.File, offset, size int64) error {
	const mode = syscall.FALLOC_FL_PUNCH_HOLE | syscall.FALLOC_FL_KEEP_SIZE
	if err := syscall.Fallocate(int(f.Fd()), mode, offset, size); err != nil {
		return fmt.Errorf("fallocate punch hole: %w", err)
	}
	return nil
}
