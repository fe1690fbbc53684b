package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/config"
	"github.com/kobo-build/anvil/internal/engine"
	"github.com/kobo-build/anvil/internal/log"
	"github.com/kobo-build/anvil/internal/shim"
	"github.com/kobo-build/anvil/internal/specpool"
)

// printInfo prints an informational message unless quiet mode is enabled
func printInfo(a ...interface{}) {
	if !quietFlag {
		fmt.Println(a...)
	}
}

// printInfof prints a formatted informational message unless quiet mode is enabled
func printInfof(format string, a ...interface{}) {
	if !quietFlag {
		fmt.Printf(format, a...)
	}
}

// printError prints an error to stderr
func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// buildEngine assembles an Engine from the environment-resolved Config and
// the default shims.
func buildEngine() (*engine.Engine, *specpool.Pool, *config.Config, error) {
	platform := shim.Host()
	cfg, err := config.Load(platform.DefaultCacheRoot())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, nil, err
	}

	store, err := cache.New(cfg.CacheRoot, cfg.LockRetries, cfg.LockBackoff, log.Default())
	if err != nil {
		return nil, nil, nil, err
	}

	loader := specpool.TOMLFileLoader{}
	pool := specpool.NewPool(loader)

	var progress shim.Progress
	if !quietFlag {
		progress = shim.NewProgress(os.Stderr)
	}

	eng, err := engine.New(engine.Options{
		Cache:    store,
		Pool:     pool,
		Loader:   loader,
		Shell:    shim.DefaultShellRunner(),
		Fetcher:  shim.NewFetcher(nil, nil),
		Platform: platform,
		Hasher:   shim.DefaultHasher(),
		Logger:   log.Default(),
		Progress: progress,
		Jobs:     cfg.Jobs,
		Env:      os.Environ(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, pool, cfg, nil
}

// loadRoots loads each recipe.toml path (or a directory containing one)
// named on the command line as a root spec.
func loadRoots(pool *specpool.Pool, args []string) ([]*specpool.RecipeSpec, error) {
	roots := make([]*specpool.RecipeSpec, 0, len(args))
	for _, arg := range args {
		path := arg
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, "recipe.toml")
		}
		spec, err := pool.Load(specpool.FetchSource{Kind: specpool.SourceLocalFile, Path: path}, arg)
		if err != nil {
			return nil, err
		}
		roots = append(roots, spec)
	}
	return roots, nil
}
