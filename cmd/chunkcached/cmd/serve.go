package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/javi11/chunkcached/internal/cache"
	configpkg "github.com/javi11/chunkcached/internal/config"
	"github.com/javi11/chunkcached/internal/fuseadapter"
)

var (
	catalogPath string
	metricsAddr string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache, its eviction sweeper, and the optional FUSE mount",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&catalogPath, "catalog", "", "path to a JSON manifest of known remote files")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgManager, err := configpkg.NewManager(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Current()

	logger := setupLogger(cfg)

	cat, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}

	stats := cache.NewStats(cfg.MetricsNamespace)
	reg := prometheus.NewRegistry()
	if err := reg.Register(stats); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	fetcher := cache.NewCachedFetcher(pathFetcher{baseURL: cfg.Remote.BaseURL, catalog: cat})
	downloader := cache.NewDownloader(cache.DownloaderConfig{
		BaseURL:    cfg.Remote.BaseURL,
		Username:   cfg.Remote.Username,
		Password:   cfg.Remote.Password,
		UserAgent:  cfg.Remote.UserAgent,
		HTTPClient: http.DefaultClient,
	}, cache.NewRateLimiter(), fetcher, stats, logger)

	manager, err := cache.NewManager(cache.ManagerConfig{
		Dir:           cfg.Cache.Dir,
		MaxSize:       cfg.Cache.MaxSizeBytes,
		TargetSize:    cfg.Cache.TargetSizeBytes,
		SweepInterval: cfg.SweepInterval(),
		GracePeriod:   cfg.GracePeriod(),
		Preload: &cache.Preload{
			Head: cfg.Cache.Preload.HeadChunks,
			Tail: cfg.Cache.Preload.TailChunks,
		},
	}, afero.NewOsFs(), cat, downloader, stats, logger)
	if err != nil {
		return fmt.Errorf("construct cache manager: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start cache manager: %w", err)
	}
	defer manager.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited", "error", err)
		}
	}()
	defer metricsServer.Close()

	if cfg.Fuse.Enabled {
		server := fuseadapter.NewServer(manager, cat, logger)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Mount(ctx, cfg.Fuse, func() {
				logger.Info("fuse mount ready", "mount_path", cfg.Fuse.MountPath)
			})
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return server.Unmount()
		}
	}

	<-ctx.Done()
	return nil
}
