package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Cache: CacheConfig{
			Dir:               t.TempDir(),
			MaxSizeBytes:      100 * 1024 * 1024 * 1024,
			TargetSizeBytes:   80 * 1024 * 1024 * 1024,
			SweepIntervalSecs: 60,
			GracePeriodSecs:   300,
			Preload:           PreloadConfig{HeadChunks: 1, TailChunks: 1},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		wantErr     bool
		errContains string
	}{
		{
			name:    "valid default",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:        "empty cache dir",
			mutate:      func(c *Config) { c.Cache.Dir = "" },
			wantErr:     true,
			errContains: "cache.dir",
		},
		{
			name:        "non-positive max size",
			mutate:      func(c *Config) { c.Cache.MaxSizeBytes = 0 },
			wantErr:     true,
			errContains: "max_size_bytes",
		},
		{
			name:        "target size too close to max size",
			mutate:      func(c *Config) { c.Cache.TargetSizeBytes = c.Cache.MaxSizeBytes - 1 },
			wantErr:     true,
			errContains: "headroom",
		},
		{
			name:        "non-positive sweep interval",
			mutate:      func(c *Config) { c.Cache.SweepIntervalSecs = 0 },
			wantErr:     true,
			errContains: "sweep_interval_secs",
		},
		{
			name:        "negative preload chunk count",
			mutate:      func(c *Config) { c.Cache.Preload.HeadChunks = -1 },
			wantErr:     true,
			errContains: "preload",
		},
		{
			name: "fuse enabled without mount path",
			mutate: func(c *Config) {
				c.Fuse.Enabled = true
			},
			wantErr:     true,
			errContains: "fuse.mount_path",
		},
		{
			name: "fuse enabled with mount path - ok",
			mutate: func(c *Config) {
				c.Fuse.Enabled = true
				c.Fuse.MountPath = "/mnt/chunkcached"
			},
			wantErr: false,
		},
		{
			name:        "username without password",
			mutate:      func(c *Config) { c.Remote.Username = "alice" },
			wantErr:     true,
			errContains: "remote.username",
		},
		{
			name: "username and password - ok",
			mutate: func(c *Config) {
				c.Remote.Username = "alice"
				c.Remote.Password = "hunter2"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_SweepIntervalAndGracePeriod(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Cache.SweepIntervalSecs = 45
	cfg.Cache.GracePeriodSecs = 120

	assert.Equal(t, 45*time.Second, cfg.SweepInterval())
	assert.Equal(t, 120*time.Second, cfg.GracePeriod())
}

func writeTestConfig(t *testing.T, cacheDir string, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "cache:\n" +
		"  dir: " + cacheDir + "\n" +
		"  max_size_bytes: 107374182400\n" +
		"  target_size_bytes: 85899345920\n" +
		extra
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestNewManager_LoadsAndValidates(t *testing.T) {
	cacheDir := t.TempDir()
	path := writeTestConfig(t, cacheDir, "remote:\n  base_url: https://example.invalid\n")

	mgr, err := NewManager(path)
	require.NoError(t, err)

	cfg := mgr.Current()
	require.NotNil(t, cfg)
	assert.Equal(t, cacheDir, cfg.Cache.Dir)
	assert.Equal(t, 60, cfg.Cache.SweepIntervalSecs, "default should apply when unset")
	assert.Equal(t, 1, cfg.Cache.Preload.HeadChunks, "default should apply when unset")
}

func TestNewManager_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
cache:
  dir: ` + t.TempDir() + `
  max_size_bytes: 100
  target_size_bytes: 90
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := NewManager(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "headroom")
}

func TestManager_OnConfigChangeReceivesOldAndNew(t *testing.T) {
	cacheDir := t.TempDir()
	path := writeTestConfig(t, cacheDir, "")

	mgr, err := NewManager(path)
	require.NoError(t, err)

	called := make(chan struct{}, 1)
	var seenOld, seenNew *Config
	mgr.OnConfigChange(func(oldConfig, newConfig *Config) {
		seenOld, seenNew = oldConfig, newConfig
		called <- struct{}{}
	})

	mgr.reload()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("OnConfigChange callback was not invoked")
	}
	require.NotNil(t, seenOld)
	require.NotNil(t, seenNew)
	assert.Equal(t, seenOld.Cache.Dir, seenNew.Cache.Dir)
}
