// Package cmd implements the chunkcached CLI: serve runs the cache and
// optional FUSE mount, fsck reports cache entries that the catalog no
// longer references or that lack a .bin or .cachemeta file, without
// starting or changing anything.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "chunkcached",
	Short: "Chunked streaming cache with sparse on-disk storage and a FUSE mount",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "chunkcached.yaml", "path to the configuration file")
}
