package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
)

// downloadClass classifies the outcome of one batch-download attempt,
// driving both retryability and backoff schedule selection per §4.4.
type downloadClass int

const (
	classRatelimited downloadClass = iota
	classServerTransient
	classServerFatal
	classFetchError
	classStreamError
	classIoError
	classContractViolation
)

var (
	backoffRatelimited     = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}
	backoffServerTransient = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}
	backoffFetchError      = []time.Duration{5 * time.Second}
	backoffStreamError     = []time.Duration{5 * time.Second, 30 * time.Second}
)

// downloadError carries enough information for the retry loop to pick a
// backoff without re-deriving it from the raw error value.
type downloadError struct {
	class      downloadClass
	retryAfter *time.Duration // server hint, honored for classRatelimited
	err        error
}

func (e *downloadError) Error() string { return e.err.Error() }
func (e *downloadError) Unwrap() error { return e.err }

// backoffFor returns the delay to wait before attempt number `attempt`
// (1-indexed) of classification `class`, and whether a retry should be
// attempted at all. ServerFatal, IoError and ContractViolation are never
// retried.
func backoffFor(class downloadClass, attempt int, hint *time.Duration) (time.Duration, bool) {
	switch class {
	case classRatelimited:
		if hint != nil {
			return *hint, true
		}
		return tableLookup(backoffRatelimited, attempt)
	case classServerTransient:
		return tableLookup(backoffServerTransient, attempt)
	case classFetchError:
		return tableLookup(backoffFetchError, attempt)
	case classStreamError:
		return tableLookup(backoffStreamError, attempt)
	default:
		return 0, false
	}
}

func tableLookup(table []time.Duration, attempt int) (time.Duration, bool) {
	idx := attempt - 1
	if idx < 0 || idx >= len(table) {
		return 0, false
	}
	return table[idx], true
}

// DownloaderConfig configures authentication and identification for
// outbound range requests.
type DownloaderConfig struct {
	// BaseURL, combined with FileDescriptor.RemotePath, forms the request
	// URL when Username/Password are set (basic-auth path-based mode).
	BaseURL string
	Username string
	Password string

	UserAgent string

	// HTTPClient is used for outbound requests; defaults to
	// http.DefaultClient when nil.
	HTTPClient *http.Client
}

// Downloader issues contiguous coalesced range requests, writes the
// response stream into a file's sparse backing store, and publishes
// chunks as cached as soon as their bytes are durable in the stream.
type Downloader struct {
	cfg     DownloaderConfig
	limiter *RateLimiter
	fetcher *CachedFetcher
	stats   *Stats
	logger  *slog.Logger
}

// NewDownloader constructs a Downloader sharing the given rate limiter
// and fetcher with the rest of the cache. stats may be nil in tests.
func NewDownloader(cfg DownloaderConfig, limiter *RateLimiter, fetcher *CachedFetcher, stats *Stats, logger *slog.Logger) *Downloader {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{cfg: cfg, limiter: limiter, fetcher: fetcher, stats: stats, logger: logger.With("component", "downloader")}
}

// DownloadBatch fetches a contiguous run of chunks in one HTTP range
// request and writes their bytes into binPath, publishing cached=true
// (and flushing cacheMetaPath) incrementally as each chunk's extent lands.
// chunks must be ordered by ascending index and contiguous; the caller
// must already hold every chunk's guard and transfers that ownership
// here — DownloadBatch releases every guard before returning, regardless
// of outcome, which is the signal waitForChunks polls for.
func (d *Downloader) DownloadBatch(ctx context.Context, binPath, cacheMetaPath string, fd FileDescriptor, chunks []*Chunk) error {
	defer func() {
		for _, c := range chunks {
			c.Release()
		}
	}()

	if len(chunks) == 0 {
		return fmt.Errorf("download batch: empty chunk list")
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Index != chunks[i-1].Index+1 {
			return fmt.Errorf("download batch: non-contiguous chunks at %d and %d", chunks[i-1].Index, chunks[i].Index)
		}
	}

	startOffset := chunks[0].Offset
	endOffset := chunks[len(chunks)-1].Offset + chunks[len(chunks)-1].Size - 1

	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			return d.attemptBatch(ctx, binPath, cacheMetaPath, fd, chunks, startOffset, endOffset)
		},
		retry.Attempts(20),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			de, ok := err.(*downloadError)
			if !ok {
				return 0
			}
			delay, _ := backoffFor(de.class, attempt, de.retryAfter)
			return delay
		}),
		retry.RetryIf(func(err error) bool {
			de, ok := err.(*downloadError)
			if !ok {
				return false
			}
			_, retryable := backoffFor(de.class, attempt, de.retryAfter)
			return retryable
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("retrying chunk batch download",
				"file_id", fd.ID, "start_offset", startOffset, "end_offset", endOffset,
				"attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if d.stats != nil {
			d.stats.IncDownloadFailure()
		}
		if de, ok := err.(*downloadError); ok && de.class != classIoError && de.class != classContractViolation {
			return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
		}
	}
	return err
}

// attemptBatch performs a single end-to-end attempt: resolve the URL,
// send the ranged GET, classify the response, and on success stream the
// body into the backing file, publishing chunks as their bytes land.
func (d *Downloader) attemptBatch(ctx context.Context, binPath, cacheMetaPath string, fd FileDescriptor, chunks []*Chunk, startOffset, endOffset int64) error {
	reqURL, useBasicAuth, err := d.resolveURL(ctx, fd)
	if err != nil {
		return &downloadError{class: classFetchError, err: fmt.Errorf("resolve url: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &downloadError{class: classFetchError, err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startOffset, endOffset))
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	if useBasicAuth {
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	}

	permit, err := d.limiter.Acquire(ctx)
	if err != nil {
		return &downloadError{class: classFetchError, err: fmt.Errorf("acquire rate limiter: %w", err)}
	}
	defer permit.Release()

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return &downloadError{class: classFetchError, err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// proceeds below
	case http.StatusTooManyRequests:
		hint := parseRetryHint(resp.Header)
		d.limiter.Penalize(5)
		return &downloadError{class: classRatelimited, retryAfter: hint, err: fmt.Errorf("remote rate-limited (429)")}
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &downloadError{class: classServerTransient, err: fmt.Errorf("transient server status %d", resp.StatusCode)}
	default:
		return &downloadError{class: classServerFatal, err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	expectedLen := endOffset - startOffset + 1
	if resp.ContentLength >= 0 && resp.ContentLength != expectedLen {
		return &downloadError{class: classContractViolation, err: fmt.Errorf(
			"content-length mismatch: got %d want %d", resp.ContentLength, expectedLen)}
	}

	f, err := os.OpenFile(binPath, os.O_RDWR, 0o644)
	if err != nil {
		return &downloadError{class: classIoError, err: fmt.Errorf("open backing file: %w", err)}
	}
	defer f.Close()

	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return &downloadError{class: classIoError, err: fmt.Errorf("seek backing file: %w", err)}
	}

	if err := d.streamAndPublish(resp.Body, f, cacheMetaPath, chunks, startOffset); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return &downloadError{class: classIoError, err: fmt.Errorf("fsync backing file: %w", err)}
	}

	for _, c := range chunks {
		if !c.Cached() {
			d.logger.Warn("chunk batch completed without full publication", "file_id", fd.ID, "chunk_index", c.Index)
		}
	}

	return nil
}

// streamAndPublish copies body into f (already seeked to startOffset),
// marking each chunk cached and flushing cacheMetaPath as soon as its
// extent is fully written — before the whole batch completes — so the
// head of a multi-chunk batch never waits on the tail.
func (d *Downloader) streamAndPublish(body io.Reader, f *os.File, cacheMetaPath string, chunks []*Chunk, startOffset int64) error {
	buf := make([]byte, 256*1024)
	var bytesWritten int64
	k := 0

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return &downloadError{class: classIoError, err: fmt.Errorf("write backing file: %w", err)}
			}
			bytesWritten += int64(n)

			for k < len(chunks) && startOffset+bytesWritten >= chunks[k].Offset+chunks[k].Size {
				chunks[k].publishCached()
				chunks[k].Touch()
				if err := flushMeta(cacheMetaPath, chunks); err != nil {
					d.logger.Warn("metadata flush failed", "error", err)
				}
				if d.stats != nil {
					d.stats.IncChunksDownloaded(chunks[k].Size)
				}
				k++
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return &downloadError{class: classStreamError, err: fmt.Errorf("read response body: %w", readErr)}
		}
	}
}

// resolveURL picks basic-auth-against-a-static-path (when credentials are
// configured) or a Remote Fetcher-resolved signed URL, per §4.4.
func (d *Downloader) resolveURL(ctx context.Context, fd FileDescriptor) (string, bool, error) {
	if d.cfg.Username != "" && d.cfg.Password != "" {
		base, err := url.Parse(d.cfg.BaseURL)
		if err != nil {
			return "", false, fmt.Errorf("parse base url: %w", err)
		}
		base.Path = joinURLPath(base.Path, fd.RemotePath)
		return base.String(), true, nil
	}

	resolved, err := d.fetcher.Resolve(ctx, fd.RemoteTorrentID, fd.RemoteFileID)
	if err != nil {
		return "", false, err
	}
	return resolved, false, nil
}

func joinURLPath(base, suffix string) string {
	if base == "" {
		return suffix
	}
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return base + suffix
}

// parseRetryHint reads Retry-After (seconds form) or x-ratelimit-after
// from the response headers, returning nil if neither is present or
// parseable.
func parseRetryHint(h http.Header) *time.Duration {
	for _, name := range []string{"Retry-After", "x-ratelimit-after"} {
		if v := h.Get(name); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				d := time.Duration(secs) * time.Second
				return &d
			}
		}
	}
	return nil
}

// flushMeta rewrites the sidecar metadata file with the current chunk
// state. Best-effort: failures are logged by the caller, never fatal,
// since the sparse file remains the source of truth (§7).
func flushMeta(path string, chunks []*Chunk) error {
	return writeMeta(path, serializeChunks(chunks))
}
