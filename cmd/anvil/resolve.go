package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <recipe.toml>...",
	Short: "Resolve the dependency graph without executing any phase",
	Long: `Resolve loads the named root recipes, resolves the full transitive
dependency graph (strong, ref-only, weak, and product dependencies), and
prints the resulting recipe keys. No phase is executed and nothing is
written to the cache.`,
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

		if err := eng.ResolveGraph(roots); err != nil {
			printError(err)
			exitWithCode(ExitResolveFailed)
		}

		g := eng.Graph()
		keys := make([]string, 0, len(g.RecipesByKey))
		for k := range g.RecipesByKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
		printInfof("%d recipes resolved\n", len(keys))
	},
}
