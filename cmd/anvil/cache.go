package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/config"
	"github.com/kobo-build/anvil/internal/log"
	"github.com/kobo-build/anvil/internal/shim"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the anvil cache",
	Long:  `Manage the content-addressed package cache.`,
}

var gcMaxAge time.Duration

func init() {
	cacheGCCmd.Flags().DurationVar(&gcMaxAge, "max-age", 30*24*time.Hour, "Remove completed entries older than this")
	cacheCmd.AddCommand(cacheGCCmd)
	cacheCmd.AddCommand(cachePathCmd)
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove completed cache entries older than --max-age",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(shim.Host().DefaultCacheRoot())
		if err != nil {
			printError(err)
			exitWithCode(ExitGeneral)
		}

		stats, err := cache.GC(cfg.CacheRoot, gcMaxAge, log.Default())
		if err != nil {
			printError(err)
			exitWithCode(ExitGeneral)
		}
		fmt.Println(stats.String())
	},
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the resolved cache root",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(shim.Host().DefaultCacheRoot())
		if err != nil {
			printError(err)
			exitWithCode(ExitGeneral)
		}
		fmt.Println(cfg.CacheRoot)
	},
}
