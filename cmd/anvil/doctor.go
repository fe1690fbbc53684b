package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/config"
	"github.com/kobo-build/anvil/internal/log"
	"github.com/kobo-build/anvil/internal/shim"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose and clean up cache problems",
	Long: `Doctor scans the cache for leftovers from crashed runs: entries that
never reached install completion, and stale scratch directories. Partial
entries are harmless (the next build redoes them), so doctor only reclaims
disk space.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(shim.Host().DefaultCacheRoot())
		if err != nil {
			printError(err)
			exitWithCode(ExitGeneral)
		}

		printInfof("Cache root: %s\n", cfg.CacheRoot)

		stats, err := cache.TryCleanupStale(cfg.CacheRoot, log.Default())
		if err != nil {
			printError(err)
			exitWithCode(ExitGeneral)
		}

		fmt.Printf("Scanned %d entries\n", stats.ScannedEntries)
		if stats.RemovedEntries == 0 {
			fmt.Println("No stale scratch directories found")
			return
		}
		fmt.Printf("Reclaimed %s\n", stats.String())
	},
}
