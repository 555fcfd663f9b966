package fuseadapter

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javi11/chunkcached/internal/cache"
	"github.com/javi11/chunkcached/internal/config"
)

const mountTimeout = 120 * time.Second

// Server wraps a hanwen/go-fuse mount for one cache Manager, handling the
// mount-timeout and stale-mount-cleanup concerns a bare fs.Mount call
// leaves to the caller.
type Server struct {
	manager *cache.Manager
	lister  FileLister
	logger  *slog.Logger

	mu        sync.Mutex
	fuse      *fuse.Server
	mountPath string
}

// NewServer constructs a Server that has not yet mounted anything.
func NewServer(manager *cache.Manager, lister FileLister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, lister: lister, logger: logger.With("component", "fuseadapter")}
}

// Mount mounts the cache at cfg.MountPath and blocks until Unmount is
// called or the mount dies, calling onReady once the kernel reports the
// mount live. cfg must have Enabled set; callers decide whether to start
// the server at all.
func (s *Server) Mount(ctx context.Context, cfg config.FuseConfig, onReady func()) error {
	s.cleanupStale(cfg.MountPath)

	root := NewRoot(s.manager, s.lister, s.logger)

	attrTimeout := time.Duration(cfg.AttrTimeoutSeconds) * time.Second
	entryTimeout := time.Duration(cfg.EntryTimeoutSeconds) * time.Second
	if attrTimeout <= 0 {
		attrTimeout = 30 * time.Second
	}
	if entryTimeout <= 0 {
		entryTimeout = time.Second
	}

	maxReadAhead := cfg.MaxReadAheadMB * 1024 * 1024
	if maxReadAhead <= 0 {
		maxReadAhead = 128 * 1024 * 1024
	}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:           cfg.AllowOther,
			Name:                 "chunkcached",
			Debug:                cfg.Debug,
			MaxReadAhead:         maxReadAhead,
			MaxBackground:        64,
			DisableXAttrs:        true,
			IgnoreSecurityLabels: true,
			DisableReadDirPlus:   true,
			DirectMount:          true,
		},
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &entryTimeout,
	}

	if runtime.GOOS == "darwin" {
		opts.Options = append(opts.Options, "volname=chunkcached", "noapplexattr", "noappledouble")
		opts.DirectMount = false
	}

	type mountResult struct {
		server *fuse.Server
		err    error
	}
	ch := make(chan mountResult, 1)

	go func() {
		srv, err := fs.Mount(cfg.MountPath, root, opts)
		ch <- mountResult{server: srv, err: err}
	}()

	var srv *fuse.Server
	select {
	case result := <-ch:
		if result.err != nil {
			return fmt.Errorf("mount fuse filesystem: %w", result.err)
		}
		srv = result.server
	case <-time.After(mountTimeout):
		return fmt.Errorf("fuse mount timed out after %s", mountTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.fuse = srv
	s.mountPath = cfg.MountPath
	s.mu.Unlock()

	if err := srv.WaitMount(); err != nil {
		s.logger.Error("wait mount failed, unmounting", "error", err)
		_ = srv.Unmount()
		return fmt.Errorf("fuse mount not ready: %w", err)
	}

	s.logger.Info("fuse filesystem mounted", "mount_path", cfg.MountPath)

	if onReady != nil {
		onReady()
	}

	srv.Wait()
	return nil
}

// Unmount gracefully unmounts, falling back to ForceUnmount if the kernel
// refuses a clean unmount (e.g. a client still has the mount open).
func (s *Server) Unmount() error {
	s.mu.Lock()
	srv := s.fuse
	mountPath := s.mountPath
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Unmount(); err == nil {
			return nil
		} else {
			s.logger.Warn("standard unmount failed, forcing", "error", err)
		}
	}

	return s.ForceUnmount(mountPath)
}

// ForceUnmount tries a sequence of platform unmount commands against
// mountPath, stopping at the first that succeeds.
func (s *Server) ForceUnmount(mountPath string) error {
	if mountPath == "" {
		return nil
	}

	var methods [][]string
	if runtime.GOOS == "darwin" {
		methods = [][]string{
			{"umount", "-f", mountPath},
			{"diskutil", "unmount", "force", mountPath},
			{"umount", mountPath},
		}
	} else {
		methods = [][]string{
			{"fusermount", "-uz", mountPath},
			{"umount", mountPath},
			{"umount", "-l", mountPath},
			{"fusermount3", "-uz", mountPath},
		}
	}

	for _, method := range methods {
		if err := exec.Command(method[0], method[1:]...).Run(); err == nil {
			s.logger.Info("force unmounted", "command", method[0], "mount_path", mountPath)
			return nil
		}
	}

	return fmt.Errorf("all unmount attempts failed for %s", mountPath)
}

func (s *Server) cleanupStale(mountPath string) {
	_ = s.ForceUnmount(mountPath)
}
