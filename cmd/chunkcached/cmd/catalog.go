package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/javi11/chunkcached/internal/cache"
)

// catalog is the standalone binary's stand-in for the relational metadata
// store the teacher's own database package provides: a JSON manifest of
// known remote files, loaded once at startup. Wiring a real database is
// out of scope here, same as it is for the cache package itself.
type catalog struct {
	mu    sync.RWMutex
	files map[string]cache.FileDescriptor
}

func loadCatalog(path string) (*catalog, error) {
	if path == "" {
		return &catalog{files: map[string]cache.FileDescriptor{}}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var entries []cache.FileDescriptor
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	files := make(map[string]cache.FileDescriptor, len(entries))
	for _, fd := range entries {
		files[fd.ID] = fd
	}
	return &catalog{files: files}, nil
}

func (c *catalog) LookupFile(fileID string) (cache.FileDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fd, ok := c.files[fileID]
	return fd, ok
}

func (c *catalog) ListFiles() []cache.FileDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]cache.FileDescriptor, 0, len(c.files))
	for _, fd := range c.files {
		out = append(out, fd)
	}
	return out
}
