package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackingFile(t *testing.T, size int64) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestDownloader_DownloadBatch_Success(t *testing.T) {
	chunkSize := int64(64 * 1024)
	body := make([]byte, chunkSize*2)
	for i := range body {
		body[i] = byte(i % 251)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int64
		_, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start : end+1])
	}))
	defer srv.Close()

	binPath := newTestBackingFile(t, chunkSize*2)
	metaPath := filepath.Join(filepath.Dir(binPath), "entry.cachemeta")

	chunks := []*Chunk{
		{Index: 0, Offset: 0, Size: chunkSize},
		{Index: 1, Offset: chunkSize, Size: chunkSize},
	}
	for _, c := range chunks {
		require.True(t, c.TryAcquire())
	}

	fetcher := NewCachedFetcher(staticFetcher{url: srv.URL})
	d := NewDownloader(DownloaderConfig{HTTPClient: srv.Client()}, NewRateLimiter(), fetcher, nil, nil)

	fd := FileDescriptor{ID: "dl-1", Size: chunkSize * 2}
	err := d.DownloadBatch(context.Background(), binPath, metaPath, fd, chunks)
	require.NoError(t, err)

	assert.True(t, chunks[0].Cached())
	assert.True(t, chunks[1].Cached())

	got, err := os.ReadFile(binPath)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	metas, err := readMeta(metaPath)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.True(t, metas[0].Cached)
	assert.True(t, metas[1].Cached)
}

func TestDownloader_DownloadBatch_RejectsNonContiguous(t *testing.T) {
	chunks := []*Chunk{
		{Index: 0, Offset: 0, Size: ChunkSize},
		{Index: 2, Offset: 2 * ChunkSize, Size: ChunkSize},
	}
	for _, c := range chunks {
		require.True(t, c.TryAcquire())
	}

	d := NewDownloader(DownloaderConfig{}, NewRateLimiter(), NewCachedFetcher(staticFetcher{url: "http://unused.invalid"}), nil, nil)
	err := d.DownloadBatch(context.Background(), "unused.bin", "unused.cachemeta", FileDescriptor{}, chunks)
	assert.Error(t, err)

	assert.True(t, chunks[0].TryAcquire(), "guard must have been released by DownloadBatch even on the validation error path")
	chunks[0].Release()
}

func TestDownloader_DownloadBatch_ServerFatalStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	binPath := newTestBackingFile(t, ChunkSize)
	metaPath := filepath.Join(filepath.Dir(binPath), "entry.cachemeta")
	chunks := []*Chunk{{Index: 0, Offset: 0, Size: ChunkSize}}
	require.True(t, chunks[0].TryAcquire())

	fetcher := NewCachedFetcher(staticFetcher{url: srv.URL})
	d := NewDownloader(DownloaderConfig{HTTPClient: srv.Client()}, NewRateLimiter(), fetcher, nil, nil)

	fd := FileDescriptor{ID: "dl-2", Size: ChunkSize}
	err := d.DownloadBatch(context.Background(), binPath, metaPath, fd, chunks)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a fatal (non-retryable) status must not be retried")
	assert.False(t, chunks[0].Cached())
}

func TestDownloader_DownloadBatch_RatelimitedRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	body := []byte("x")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	binPath := newTestBackingFile(t, 1)
	metaPath := filepath.Join(filepath.Dir(binPath), "entry.cachemeta")
	chunks := []*Chunk{{Index: 0, Offset: 0, Size: 1}}
	require.True(t, chunks[0].TryAcquire())

	fetcher := NewCachedFetcher(staticFetcher{url: srv.URL})
	rl := NewRateLimiter()
	d := NewDownloader(DownloaderConfig{HTTPClient: srv.Client()}, rl, fetcher, nil, nil)

	fd := FileDescriptor{ID: "dl-3", Size: 1}
	err := d.DownloadBatch(context.Background(), binPath, metaPath, fd, chunks)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
	assert.True(t, chunks[0].Cached())
}

func TestDownloader_BasicAuthPathMode(t *testing.T) {
	var gotUser, gotPass string
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotPath = r.URL.Path
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte{0x7f})
	}))
	defer srv.Close()

	binPath := newTestBackingFile(t, 1)
	metaPath := filepath.Join(filepath.Dir(binPath), "entry.cachemeta")
	chunks := []*Chunk{{Index: 0, Offset: 0, Size: 1}}
	require.True(t, chunks[0].TryAcquire())

	d := NewDownloader(DownloaderConfig{
		HTTPClient: srv.Client(),
		BaseURL:    srv.URL,
		Username:   "alice",
		Password:   "hunter2",
	}, NewRateLimiter(), nil, nil, nil)

	fd := FileDescriptor{ID: "dl-4", Size: 1, RemotePath: "/remote/movie.mkv"}
	err := d.DownloadBatch(context.Background(), binPath, metaPath, fd, chunks)
	require.NoError(t, err)

	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "hunter2", gotPass)
	assert.Equal(t, "/remote/movie.mkv", gotPath)
}
