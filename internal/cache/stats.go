package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats accumulates cache-wide counters with plain atomics for the hot
// path, and exposes them to Prometheus via Collect on demand rather than
// pushing through promauto globals — so a process embedding multiple
// Managers (as the test suite does) can register each into its own
// registry without collector name collisions.
type Stats struct {
	chunksDownloaded         atomic.Uint64
	bytesDownloaded          atomic.Uint64
	chunksEvicted            atomic.Uint64
	bytesEvicted             atomic.Uint64
	readAheadSuppressed      atomic.Uint64
	downloadFailures         atomic.Uint64
	evictionSweeps           atomic.Uint64

	chunksDownloadedDesc    *prometheus.Desc
	bytesDownloadedDesc     *prometheus.Desc
	chunksEvictedDesc       *prometheus.Desc
	bytesEvictedDesc        *prometheus.Desc
	readAheadSuppressedDesc *prometheus.Desc
	downloadFailuresDesc    *prometheus.Desc
	evictionSweepsDesc      *prometheus.Desc
}

// NewStats constructs a Stats collector. namespace is used as the
// Prometheus metric namespace (e.g. "chunkcached").
func NewStats(namespace string) *Stats {
	return &Stats{
		chunksDownloadedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "chunks_downloaded_total"),
			"Total chunks successfully downloaded and published cached.", nil, nil),
		bytesDownloadedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "bytes_downloaded_total"),
			"Total bytes written into backing files by completed downloads.", nil, nil),
		chunksEvictedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "chunks_evicted_total"),
			"Total chunks reclaimed by the eviction sweeper.", nil, nil),
		bytesEvictedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "bytes_evicted_total"),
			"Total bytes reclaimed by the eviction sweeper.", nil, nil),
		readAheadSuppressedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "readahead_suppressed_by_preload_total"),
			"Read-ahead decisions skipped because preload chunks were queued and the chunk after the read was already cached or downloading.", nil, nil),
		downloadFailuresDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "download_failures_total"),
			"Chunk batch downloads that failed, after any retries.", nil, nil),
		evictionSweepsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", "eviction_sweeps_total"),
			"Eviction sweeper passes started.", nil, nil),
	}
}

func (s *Stats) IncChunksDownloaded(bytes int64) {
	s.chunksDownloaded.Add(1)
	s.bytesDownloaded.Add(uint64(bytes))
}

func (s *Stats) IncChunksEvicted(bytes int64) {
	s.chunksEvicted.Add(1)
	s.bytesEvicted.Add(uint64(bytes))
}

// IncReadAheadSuppressedByPreload implements entryStats.
func (s *Stats) IncReadAheadSuppressedByPreload() {
	s.readAheadSuppressed.Add(1)
}

func (s *Stats) IncDownloadFailure() {
	s.downloadFailures.Add(1)
}

func (s *Stats) IncEvictionSweep() {
	s.evictionSweeps.Add(1)
}

// StatsSnapshot is a point-in-time copy of Stats' counters, safe to
// serialize or log.
type StatsSnapshot struct {
	ChunksDownloaded    uint64
	BytesDownloaded     uint64
	ChunksEvicted       uint64
	BytesEvicted        uint64
	ReadAheadSuppressed uint64
	DownloadFailures    uint64
	EvictionSweeps      uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ChunksDownloaded:    s.chunksDownloaded.Load(),
		BytesDownloaded:     s.bytesDownloaded.Load(),
		ChunksEvicted:       s.chunksEvicted.Load(),
		BytesEvicted:        s.bytesEvicted.Load(),
		ReadAheadSuppressed: s.readAheadSuppressed.Load(),
		DownloadFailures:    s.downloadFailures.Load(),
		EvictionSweeps:      s.evictionSweeps.Load(),
	}
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.chunksDownloadedDesc
	ch <- s.bytesDownloadedDesc
	ch <- s.chunksEvictedDesc
	ch <- s.bytesEvictedDesc
	ch <- s.readAheadSuppressedDesc
	ch <- s.downloadFailuresDesc
	ch <- s.evictionSweepsDesc
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	ch <- prometheus.MustNewConstMetric(s.chunksDownloadedDesc, prometheus.CounterValue, float64(snap.ChunksDownloaded))
	ch <- prometheus.MustNewConstMetric(s.bytesDownloadedDesc, prometheus.CounterValue, float64(snap.BytesDownloaded))
	ch <- prometheus.MustNewConstMetric(s.chunksEvictedDesc, prometheus.CounterValue, float64(snap.ChunksEvicted))
	ch <- prometheus.MustNewConstMetric(s.bytesEvictedDesc, prometheus.CounterValue, float64(snap.BytesEvicted))
	ch <- prometheus.MustNewConstMetric(s.readAheadSuppressedDesc, prometheus.CounterValue, float64(snap.ReadAheadSuppressed))
	ch <- prometheus.MustNewConstMetric(s.downloadFailuresDesc, prometheus.CounterValue, float64(snap.DownloadFailures))
	ch <- prometheus.MustNewConstMetric(s.evictionSweepsDesc, prometheus.CounterValue, float64(snap.EvictionSweeps))
}
