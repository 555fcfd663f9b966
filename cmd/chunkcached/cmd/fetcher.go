package cmd

import (
	"context"
	"fmt"

	"github.com/javi11/chunkcached/internal/cache"
)

// pathFetcher resolves a remote file's URL by joining the configured base
// URL with the RemotePath recorded for the torrent/file id pair. It is
// the standalone binary's stand-in for the provider-specific signed-URL
// resolver the teacher's own acquisition subsystem supplies; any real
// deployment is expected to provide its own cache.RemoteFetcher instead.
type pathFetcher struct {
	baseURL string
	catalog *catalog
}

func (f pathFetcher) Resolve(ctx context.Context, torrentID, fileID int64) (string, error) {
	for _, fd := range f.catalog.ListFiles() {
		if fd.RemoteTorrentID == torrentID && fd.RemoteFileID == fileID {
			return f.baseURL + fd.RemotePath, nil
		}
	}
	return "", fmt.Errorf("no catalog entry for torrent=%d file=%d", torrentID, fileID)
}
