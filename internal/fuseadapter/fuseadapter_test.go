package fuseadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/chunkcached/internal/cache"
)

type staticFetcher struct {
	url string
}

func (f staticFetcher) Resolve(ctx context.Context, torrentID, fileID int64) (string, error) {
	return f.url, nil
}

type staticLister struct {
	files []cache.FileDescriptor
}

func (s staticLister) ListFiles() []cache.FileDescriptor { return s.files }

type mapStore struct {
	files map[string]cache.FileDescriptor
}

func (s mapStore) LookupFile(fileID string) (cache.FileDescriptor, bool) {
	fd, ok := s.files[fileID]
	return fd, ok
}

func newTestManager(t *testing.T, fds ...cache.FileDescriptor) (*cache.Manager, staticLister) {
	t.Helper()
	dir := t.TempDir()

	body := []byte("hello-chunkcached")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[:1])
	}))
	t.Cleanup(srv.Close)

	fetcher := cache.NewCachedFetcher(staticFetcher{url: srv.URL})
	downloader := cache.NewDownloader(cache.DownloaderConfig{HTTPClient: srv.Client()}, cache.NewRateLimiter(), fetcher, nil, nil)

	files := map[string]cache.FileDescriptor{}
	for _, fd := range fds {
		files[fd.ID] = fd
	}

	mgr, err := cache.NewManager(cache.ManagerConfig{
		Dir:           dir,
		MaxSize:       10 * 1024 * 1024 * 1024,
		TargetSize:    1024 * 1024 * 1024,
		SweepInterval: time.Minute,
	}, afero.NewOsFs(), mapStore{files: files}, downloader, cache.NewStats("test"), nil)
	require.NoError(t, err)

	return mgr, staticLister{files: fds}
}

func TestRoot_Readdir_ListsKnownFiles(t *testing.T) {
	fd := cache.FileDescriptor{ID: "f1", Size: 18, RemotePath: "/shows/episode.mkv"}
	mgr, lister := newTestManager(t, fd)

	root := NewRoot(mgr, lister, nil)

	stream, errno := root.Readdir(context.Background())
	require.Equal(t, uint32(0), uint32(errno))

	var names []string
	for stream.HasNext() {
		entry, errno := stream.Next()
		require.Equal(t, uint32(0), uint32(errno))
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"episode.mkv"}, names)
}

func TestRoot_Lookup_UnknownNameReturnsENOENT(t *testing.T) {
	mgr, lister := newTestManager(t)
	root := NewRoot(mgr, lister, nil)

	_, errno := root.Lookup(context.Background(), "missing.mkv", &fuse.EntryOut{})
	assert.NotEqual(t, uint32(0), uint32(errno))
}

func TestHandle_Read_ServesBytesFromCacheEntry(t *testing.T) {
	fd := cache.FileDescriptor{ID: "f1", Size: 1}
	mgr, _ := newTestManager(t, fd)

	entry, err := mgr.Open(context.Background(), fd)
	require.NoError(t, err)

	h := &Handle{entry: entry}
	buf := make([]byte, 1)
	res, errno := h.Read(context.Background(), buf, 0)
	require.Equal(t, uint32(0), uint32(errno))
	assert.Equal(t, 1, res.Size())

	assert.Equal(t, uint32(0), uint32(h.Flush(context.Background())))
	assert.Equal(t, uint32(0), uint32(h.Fsync(context.Background(), 0)))
}

func TestHashFileID_StableAcrossCalls(t *testing.T) {
	assert.Equal(t, hashFileID("abc"), hashFileID("abc"))
	assert.NotEqual(t, hashFileID("abc"), hashFileID("def"))
}

func TestDisplayName_FallsBackToID(t *testing.T) {
	assert.Equal(t, "episode.mkv", displayName(cache.FileDescriptor{ID: "f1", RemotePath: "/shows/episode.mkv"}))
	assert.Equal(t, "f1", displayName(cache.FileDescriptor{ID: "f1"}))
}
