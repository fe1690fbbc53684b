package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <recipe.toml>",
	Short: "Show a recipe's resolved graph node and products",
	Args:  cobra.ExactArgs(1),
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

		rec, ok := eng.FindExact(roots[0].Key())
		if !ok {
			printError(fmt.Errorf("recipe %s not in graph", roots[0].Key()))
			exitWithCode(ExitGeneral)
		}

		fmt.Printf("Key:      %s\n", rec.Key)
		fmt.Printf("Identity: %s\n", rec.Spec.Identity)
		if opts := rec.Spec.SerializedOptions(); opts != "" {
			fmt.Printf("Options:  %s\n", opts)
		}
		fmt.Printf("Deps:     %d\n", len(rec.ResolvedDeps))
		for _, rd := range rec.ResolvedDeps {
			fmt.Printf("  %-12s -> %s\n", rd.Dep.EffectiveNeededByPhase(), rd.ResolvedKey)
		}
		if len(rec.Spec.Products.Static) > 0 {
			fmt.Println("Products:")
			for name, rel := range rec.Spec.Products.Static {
				fmt.Printf("  %s -> %s\n", name, rel)
			}
		}
	},
}
