package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	configpkg "github.com/javi11/chunkcached/internal/config"
)

func init() {
	fsckCmd := &cobra.Command{
		Use:   "fsck",
		Short: "Check the on-disk cache directory for orphaned and incomplete entries without starting the cache",
		RunE:  runFsck,
	}
	rootCmd.AddCommand(fsckCmd)
}

func runFsck(cmd *cobra.Command, args []string) error {
	cfgManager, err := configpkg.NewManager(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Current()

	cat, err := loadCatalog(catalogPath)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}

	ids := map[string]struct{ bin, meta bool }{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".bin"):
			id := strings.TrimSuffix(name, ".bin")
			s := ids[id]
			s.bin = true
			ids[id] = s
		case strings.HasSuffix(name, ".cachemeta"):
			id := strings.TrimSuffix(name, ".cachemeta")
			s := ids[id]
			s.meta = true
			ids[id] = s
		}
	}

	var orphaned, incomplete int
	for id, s := range ids {
		if _, ok := cat.LookupFile(id); !ok {
			orphaned++
			fmt.Printf("orphaned entry: %s (no catalog reference)\n", id)
			continue
		}
		if !s.bin || !s.meta {
			incomplete++
			fmt.Printf("incomplete entry: %s (bin=%v meta=%v)\n", id, s.bin, s.meta)
		}
	}

	fmt.Printf("checked %d entries under %s: %d orphaned, %d incomplete\n", len(ids), filepath.Clean(cfg.Cache.Dir), orphaned, incomplete)
	return nil
}
