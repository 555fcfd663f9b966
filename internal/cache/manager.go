package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// ManagerConfig bounds disk usage and scheduling for a Manager. Validate
// is called by NewManager; internal/config runs its own copy of these
// checks when it loads a configuration.
type ManagerConfig struct {
	Dir              string
	MaxSize          int64
	TargetSize       int64
	SweepInterval    time.Duration
	GracePeriod      time.Duration
	Preload          *Preload
}

// minSizeHeadroom is the minimum gap Validate enforces between
// TargetSize and MaxSize, giving the sweeper room to work before the
// filesystem itself runs out of space mid-download.
const minSizeHeadroom = 5 * 1024 * 1024 * 1024

// Validate checks the invariant cache_target_size + 5 GiB <= cache_max_size.
func (c ManagerConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("cache dir must not be empty")
	}
	if c.MaxSize <= 0 || c.TargetSize <= 0 {
		return fmt.Errorf("cache max size and target size must be positive")
	}
	if c.TargetSize+minSizeHeadroom > c.MaxSize {
		return fmt.Errorf("cache target size (%d) plus headroom must not exceed max size (%d)", c.TargetSize, c.MaxSize)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep interval must be positive")
	}
	return nil
}

// Manager owns every open CacheEntry for a single cache directory,
// reconciles the directory against the wider system's metadata on
// startup, and periodically sweeps cached chunks down to TargetSize.
type Manager struct {
	cfg        ManagerConfig
	fs         afero.Fs
	metaStore  MetadataStore
	downloader *Downloader
	stats      *Stats
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*CacheEntry
	group   singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a Manager. It does not touch disk or start the
// sweeper until Start is called.
func NewManager(cfg ManagerConfig, fs afero.Fs, metaStore MetadataStore, downloader *Downloader, stats *Stats, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		fs:         fs,
		metaStore:  metaStore,
		downloader: downloader,
		stats:      stats,
		logger:     logger.With("component", "cache_manager"),
		entries:    make(map[string]*CacheEntry),
	}, nil
}

// Start runs the startup reconciliation scan and launches the background
// eviction sweeper. It returns once reconciliation completes; the
// sweeper continues until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.reconcile(); err != nil {
		return fmt.Errorf("reconcile cache dir: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweepLoop(loopCtx)
	return nil
}

// Stop cancels the sweeper and waits for its current pass to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

// reconcile removes on-disk cache artefacts whose file id the metadata
// store no longer recognizes. It does not eagerly load every remaining
// artefact into an in-memory CacheEntry — those are created lazily by
// Open.
func (m *Manager) reconcile() error {
	infos, err := afero.ReadDir(m.fs, m.cfg.Dir)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}

	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ".bin") {
			continue
		}
		id := strings.TrimSuffix(name, ".bin")
		if _, ok := m.metaStore.LookupFile(id); ok {
			continue
		}
		m.logger.Info("removing orphaned cache artefact", "file_id", id)
		if err := m.fs.Remove(binPath(m.cfg.Dir, id)); err != nil && !isNotExist(err) {
			m.logger.Warn("failed to remove orphaned backing file", "file_id", id, "error", err)
		}
		if err := m.fs.Remove(metaPath(m.cfg.Dir, id)); err != nil && !isNotExist(err) {
			m.logger.Warn("failed to remove orphaned cachemeta", "file_id", id, "error", err)
		}
	}
	return nil
}

// Open returns the CacheEntry for fd, creating it if this is the first
// open since the Manager started. Concurrent first-opens for the same
// file id collapse into a single CacheEntry construction.
func (m *Manager) Open(ctx context.Context, fd FileDescriptor) (*CacheEntry, error) {
	m.mu.Lock()
	if e, ok := m.entries[fd.ID]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(fd.ID, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.entries[fd.ID]; ok {
			m.mu.Unlock()
			return e, nil
		}
		m.mu.Unlock()

		e, err := newCacheEntry(m.fs, m.cfg.Dir, fd, m.downloader, m.cfg.GracePeriod, m.cfg.Preload, m.stats, m.logger)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.entries[fd.ID] = e
		m.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CacheEntry), nil
}

// Remove evicts and deletes a single file's cache artefacts outright,
// e.g. when the wider system deletes the underlying remote file. Returns
// ErrBusy if a download or another removal currently owns a chunk guard.
func (m *Manager) Remove(fileID string) error {
	m.mu.Lock()
	e, ok := m.entries[fileID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.tryRemove(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, fileID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// evictionCandidate is one cached chunk eligible for reclaim, paired with
// enough context to punch its hole and flush its entry's sidecar.
type evictionCandidate struct {
	entry    *CacheEntry
	chunk    *Chunk
	priority ChunkPriority
}

// sweep drops entries the metadata store no longer references, then — only
// once total cached bytes reach MaxSize — evicts cached chunks starting
// from the least valuable priority (and, within a priority, the
// least-recently-accessed chunk) until back under TargetSize. Between
// TargetSize and MaxSize no eviction happens at all: that gap is
// deliberate headroom, not a second trigger.
func (m *Manager) sweep(ctx context.Context) {
	m.stats.incSweepSafe()

	m.mu.Lock()
	snapshot := make(map[string]*CacheEntry, len(m.entries))
	for id, e := range m.entries {
		snapshot[id] = e
	}
	m.mu.Unlock()

	var (
		candidates []evictionCandidate
		totalCached int64
		mu         sync.Mutex
	)

	p := pool.New().WithMaxGoroutines(8)
	for id, e := range snapshot {
		id, e := id, e
		p.Go(func() {
			if _, ok := m.metaStore.LookupFile(id); !ok {
				if err := e.tryRemove(); err != nil {
					m.logger.Warn("sweeper could not remove dereferenced entry", "file_id", id, "error", err)
					return
				}
				m.mu.Lock()
				delete(m.entries, id)
				m.mu.Unlock()
				return
			}

			var local []evictionCandidate
			var localSize int64
			for _, c := range e.chunks {
				if !c.Cached() {
					continue
				}
				localSize += c.Size
				local = append(local, evictionCandidate{
					entry:    e,
					chunk:    c,
					priority: c.Priority(e.desc.Size, e.totalChunks, e.gracePeriod, e.preload),
				})
			}

			mu.Lock()
			candidates = append(candidates, local...)
			totalCached += localSize
			mu.Unlock()
		})
	}
	p.Wait()

	if totalCached < m.cfg.MaxSize {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority // evict Low before GracePeriod
		}
		return candidates[i].chunk.AccessedAt() < candidates[j].chunk.AccessedAt()
	})

	for _, cand := range candidates {
		if totalCached <= m.cfg.TargetSize {
			break
		}
		if ctx.Err() != nil {
			return
		}
		freed, err := m.evictChunk(cand.entry, cand.chunk)
		if err != nil {
			m.logger.Warn("failed to evict chunk", "file_id", cand.entry.desc.ID, "chunk_index", cand.chunk.Index, "error", err)
			continue
		}
		totalCached -= freed
	}
}

// evictChunk claims the chunk's guard via TryEvict (skipping it if busy,
// or if it was never actually cached), punches its hole out of the
// backing file, clears its cached flag, and flushes the entry's sidecar.
func (m *Manager) evictChunk(e *CacheEntry, c *Chunk) (int64, error) {
	ok, err := c.TryEvict()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	defer c.Release()

	f, err := os.OpenFile(e.binPath, os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open backing file: %w", err)
	}
	defer f.Close()

	if err := punchHole(f, c.Offset, c.Size); err != nil {
		return 0, err
	}
	c.clearCached()

	if err := writeMeta(e.metaPath, serializeChunks(e.chunks)); err != nil {
		m.logger.Warn("failed to flush cachemeta after eviction", "file_id", e.desc.ID, "error", err)
	}
	if m.stats != nil {
		m.stats.IncChunksEvicted(c.Size)
	}
	return c.Size, nil
}

// incSweepSafe increments the sweep counter, tolerating a nil Stats in
// tests that don't wire metrics.
func (s *Stats) incSweepSafe() {
	if s == nil {
		return
	}
	s.IncEvictionSweep()
}
