package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kobo-build/anvil/internal/log"
)

var (
	quietFlag   bool
	verboseFlag bool
	debugFlag   bool
)

// globalCtx is the application-level context that is canceled on
// SIGINT/SIGTERM. Commands should use this context for cancellable
// operations.
var globalCtx context.Context
var globalCancel context.CancelFunc

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "A reproducible, dependency-aware recipe build and cache engine",
	Long: `anvil resolves a declarative set of recipes into a dependency graph,
executes each recipe through ordered phases (fetch, check, stage, build,
install, completion), and stores results in a content-addressed on-disk
cache shared safely between concurrent processes.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Show errors only")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Show verbose output (INFO level)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Show debug output (includes timestamps and source locations)")

	rootCmd.PersistentPreRun = initLogger

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(doctorCmd)
}

// initLogger configures the global logger from the verbosity flags.
func initLogger(cmd *cobra.Command, args []string) {
	level := slog.LevelWarn
	switch {
	case debugFlag:
		level = slog.LevelDebug
	case verboseFlag:
		level = slog.LevelInfo
	case quietFlag:
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: debugFlag}
	log.SetDefault(log.New(slog.NewTextHandler(os.Stderr, opts)))
}

func main() {
	globalCtx, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "interrupted, draining workers...")
		globalCancel()
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exitWithCode(ExitGeneral)
	}
}
