package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileDescriptor identifies a cacheable remote file. ID is the stable key
// used for the on-disk artefact names (<id>.bin, <id>.cachemeta);
// RemoteTorrentID/RemoteFileID identify it to the Remote Fetcher.
type FileDescriptor struct {
	ID              string
	Size            int64
	RemotePath      string
	RemoteTorrentID int64
	RemoteFileID    int64
}

// MetadataStore is the narrow interface the cache core consumes to learn
// whether a file id still has a reference in the wider system. It is
// consulted on startup reconciliation and by the eviction sweeper; the
// relational store behind it (torrents/files/nodes) is out of scope here.
type MetadataStore interface {
	LookupFile(fileID string) (FileDescriptor, bool)
}

// chunkMeta is the on-disk representation of one Chunk within a
// .cachemeta sidecar file. The guard and in-memory lock are never
// persisted.
type chunkMeta struct {
	Index          int   `json:"index"`
	Offset         int64 `json:"offset"`
	Size           int64 `json:"size"`
	AccessedAtSecs int64 `json:"accessed_at_secs"`
	Cached         bool  `json:"cached"`
}

// serializeChunks converts the in-memory chunk vector to its persisted
// form, ordered by index ascending (the order they are already held in).
func serializeChunks(chunks []*Chunk) []chunkMeta {
	metas := make([]chunkMeta, len(chunks))
	for i, c := range chunks {
		metas[i] = chunkMeta{
			Index:          c.Index,
			Offset:         c.Offset,
			Size:           c.Size,
			AccessedAtSecs: c.AccessedAt(),
			Cached:         c.Cached(),
		}
	}
	return metas
}

// chunksFromMeta reconstructs a chunk vector from its persisted form. The
// guard is always created fresh; it is never part of the serialised
// representation.
func chunksFromMeta(metas []chunkMeta) []*Chunk {
	chunks := make([]*Chunk, len(metas))
	for i, m := range metas {
		c := &Chunk{Index: m.Index, Offset: m.Offset, Size: m.Size}
		c.accessedAt.Store(m.AccessedAtSecs)
		c.cached.Store(m.Cached)
		chunks[i] = c
	}
	return chunks
}

// metaPath returns the sidecar path for a file id under dir.
func metaPath(dir, id string) string {
	return filepath.Join(dir, id+".cachemeta")
}

// binPath returns the sparse backing file path for a file id under dir.
func binPath(dir, id string) string {
	return filepath.Join(dir, id+".bin")
}

// writeMeta rewrites the sidecar file (never appends), atomically via a
// temp file plus rename so a crash mid-write cannot leave a truncated
// .cachemeta behind. Matches the reference implementation's requirement
// that .cachemeta is rewritten wholesale on every chunk state change.
func writeMeta(path string, metas []chunkMeta) error {
	data, err := json.Marshal(metas)
	if err != nil {
		return fmt.Errorf("marshal cachemeta: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cachemeta temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cachemeta: %w", err)
	}
	return nil
}

// readMeta loads a sidecar file. A missing file is not an error: callers
// treat it as "no prior state" and build a fresh chunk vector.
func readMeta(path string) ([]chunkMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cachemeta: %w", err)
	}

	var metas []chunkMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("unmarshal cachemeta: %w", err)
	}
	return metas, nil
}
