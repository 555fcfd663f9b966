// Package config loads and hot-reloads chunkcached's configuration: cache
// sizing and scheduling, remote credentials, and FUSE mount options.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/javi11/chunkcached/internal/pathutil"
)

// PreloadConfig pins the head and tail of every cached file at
// PriorityPreloaded, so metadata probes stay cheap to re-serve.
type PreloadConfig struct {
	HeadChunks int `mapstructure:"head_chunks"`
	TailChunks int `mapstructure:"tail_chunks"`
}

// RemoteConfig configures how the downloader resolves and authenticates
// range requests against the remote source.
type RemoteConfig struct {
	// BaseURL and Username/Password select basic-auth path-based fetch
	// mode; leave Username empty to use a RemoteFetcher implementation
	// wired in by the embedding application instead.
	BaseURL  string `mapstructure:"base_url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	UserAgent string `mapstructure:"user_agent"`
}

// CacheConfig is the chunked streaming cache's own settings, independent
// of how it's exposed (FUSE, a direct API, etc).
type CacheConfig struct {
	Dir                string        `mapstructure:"dir"`
	MaxSizeBytes       int64         `mapstructure:"max_size_bytes"`
	TargetSizeBytes    int64         `mapstructure:"target_size_bytes"`
	SweepIntervalSecs  int           `mapstructure:"sweep_interval_secs"`
	GracePeriodSecs    int           `mapstructure:"grace_period_secs"`
	Preload            PreloadConfig `mapstructure:"preload"`
}

// FuseConfig configures the optional FUSE mount adapter.
type FuseConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	AllowOther          bool `mapstructure:"allow_other"`
	Debug               bool `mapstructure:"debug"`
	AttrTimeoutSeconds  int  `mapstructure:"attr_timeout_secs"`
	EntryTimeoutSeconds int  `mapstructure:"entry_timeout_secs"`
	MaxReadAheadMB      int  `mapstructure:"max_read_ahead_mb"`

	MountPath string `mapstructure:"mount_path"`
}

// Config is the root configuration object, deserialized by viper from
// YAML/TOML/JSON/env, matching the shape the teacher's own config.Manager
// loads.
type Config struct {
	Cache  CacheConfig  `mapstructure:"cache"`
	Remote RemoteConfig `mapstructure:"remote"`
	Fuse   FuseConfig   `mapstructure:"fuse"`

	MetricsNamespace string `mapstructure:"metrics_namespace"`
	LogLevel         string `mapstructure:"log_level"`
	LogFile          string `mapstructure:"log_file"`
}

// SweepInterval returns Cache.SweepIntervalSecs as a time.Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSecs) * time.Second
}

// GracePeriod returns Cache.GracePeriodSecs as a time.Duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Cache.GracePeriodSecs) * time.Second
}

// minSizeHeadroom mirrors cache.minSizeHeadroom; duplicated rather than
// imported to keep internal/config free of a dependency on internal/cache.
const minSizeHeadroom = 5 * 1024 * 1024 * 1024

// Validate enforces the invariants the cache package itself also checks
// at construction, so a misconfiguration surfaces at load time rather
// than when cache.NewManager is called.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must be set")
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return fmt.Errorf("cache.max_size_bytes must be positive")
	}
	if c.Cache.TargetSizeBytes <= 0 {
		return fmt.Errorf("cache.target_size_bytes must be positive")
	}
	if c.Cache.TargetSizeBytes+minSizeHeadroom > c.Cache.MaxSizeBytes {
		return fmt.Errorf("cache.target_size_bytes plus %d byte headroom must not exceed cache.max_size_bytes", minSizeHeadroom)
	}
	if c.Cache.SweepIntervalSecs <= 0 {
		return fmt.Errorf("cache.sweep_interval_secs must be positive")
	}
	if c.Cache.Preload.HeadChunks < 0 || c.Cache.Preload.TailChunks < 0 {
		return fmt.Errorf("cache.preload chunk counts must not be negative")
	}
	if c.Fuse.Enabled && c.Fuse.MountPath == "" {
		return fmt.Errorf("fuse.mount_path must be set when fuse.enabled is true")
	}
	if (c.Remote.Username == "") != (c.Remote.Password == "") {
		return fmt.Errorf("remote.username and remote.password must both be set or both be empty")
	}
	if err := pathutil.CheckDirectoryWritable(c.Cache.Dir); err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	if err := pathutil.CheckFileDirectoryWritable(c.LogFile, "log"); err != nil {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.sweep_interval_secs", 60)
	v.SetDefault("cache.grace_period_secs", 300)
	v.SetDefault("cache.preload.head_chunks", 1)
	v.SetDefault("cache.preload.tail_chunks", 1)
	v.SetDefault("metrics_namespace", "chunkcached")
	v.SetDefault("log_level", "info")
	v.SetDefault("fuse.attr_timeout_secs", 30)
	v.SetDefault("fuse.entry_timeout_secs", 1)
	v.SetDefault("fuse.max_read_ahead_mb", 128)
}

// Manager loads Config from path, watches it for changes via viper's
// fsnotify integration, and notifies registered callbacks of the
// before/after pair on every reload.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	current   *Config
	listeners []func(oldConfig, newConfig *Config)
}

// NewManager loads path into a Config and starts watching it for changes.
func NewManager(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Manager{v: v, current: cfg}

	v.OnConfigChange(func(_ fsnotify.Event) {
		m.reload()
	})
	v.WatchConfig()

	return m, nil
}

func (m *Manager) reload() {
	cfg := &Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return
	}
	if err := cfg.Validate(); err != nil {
		return
	}

	m.mu.Lock()
	old := m.current
	m.current = cfg
	listeners := append([]func(oldConfig, newConfig *Config){}, m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(old, cfg)
	}
}

// Current returns the most recently loaded Config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnConfigChange registers a callback invoked after every successful
// reload, matching the change-notification pattern the rest of the
// application already wires its own config-dependent components through.
func (m *Manager) OnConfigChange(fn func(oldConfig, newConfig *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}
