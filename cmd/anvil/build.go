package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kobo-build/anvil/internal/engine"
)

var buildJSONFlag bool

func init() {
	buildCmd.Flags().BoolVar(&buildJSONFlag, "json", false, "Print the outcome map as JSON")
}

var buildCmd = &cobra.Command{
	Use:   "build <recipe.toml>...",
	Short: "Resolve and bring every root recipe to completion",
	Long: `Build resolves the named root recipes and runs every recipe in the
graph through its phases. Results land in the content-addressed cache;
already-cached recipes short-circuit without re-running.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, pool, _, err := buildEngine()
		if err != nil {
			printError(err)
			exitWithCode(ExitGeneral)
		}

		roots, err := loadRoots(pool, args)
		if err != nil {
			printError(err)
			exitWithCode(ExitResolveFailed)
		}

		outcome, err := eng.RunFull(globalCtx, roots)
		if err != nil {
			printError(err)
			exitWithCode(ExitResolveFailed)
		}

		if buildJSONFlag {
			doc, err := outcome.JSON()
			if err != nil {
				printError(err)
				exitWithCode(ExitGeneral)
			}
			fmt.Println(doc)
		} else {
			for _, key := range outcome.Keys() {
				r := outcome[key]
				if r.Status == engine.StatusFailed {
					fmt.Printf("%-8s %s (%s: %s)\n", r.Status, key, r.Phase, r.Reason)
				} else {
					printInfof("%-8s %s\n", r.Status, key)
				}
			}
		}

		if outcome.Failed() {
			exitWithCode(ExitBuildFailed)
		}
	},
}
