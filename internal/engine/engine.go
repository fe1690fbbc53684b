// Package engine wires the resolver, phase engine, cache store, and shims
// behind the top-level surface consumers call: ResolveGraph, RunFull,
// EnsureRecipeAtPhase, and the query methods.
package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/log"
	"github.com/kobo-build/anvil/internal/phase"
	"github.com/kobo-build/anvil/internal/product"
	"github.com/kobo-build/anvil/internal/shim"
	"github.com/kobo-build/anvil/internal/specpool"
)

// Options collects the collaborators an Engine needs. Zero-value fields
// fall back to sensible defaults (host platform, sha256 hasher, os/exec
// shell runner, no-op logger).
type Options struct {
	Cache    *cache.Store
	Pool     *specpool.Pool
	Loader   specpool.Loader
	Invoker  phase.CallbackInvoker
	Shell    shim.ShellRunner
	Fetcher  shim.Fetcher
	Platform shim.Platform
	Hasher   shim.Hasher
	Logger   log.Logger
	Progress shim.Progress
	Jobs     int
	Env      []string
}

// Engine is the top-level façade over the resolver and phase engine. One
// Engine corresponds to one resolved graph; ResolveGraph (or RunFull) must be
// called before any phase or query method.
type Engine struct {
	opts  Options
	graph *graph.Graph
	exec  *phase.Engine
}

// New constructs an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("engine: a cache store is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("engine: a spec pool is required")
	}
	if opts.Platform == nil {
		opts.Platform = shim.Host()
	}
	if opts.Hasher == nil {
		opts.Hasher = shim.DefaultHasher()
	}
	if opts.Shell == nil {
		opts.Shell = shim.DefaultShellRunner()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoop()
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	return &Engine{opts: opts}, nil
}

// ResolveGraph resolves roots into the engine's graph. All resolver errors
// are fatal for the calling command; no partial graph is exposed.
func (e *Engine) ResolveGraph(roots []*specpool.RecipeSpec) error {
	g, err := graph.NewResolver(e.opts.Pool).Resolve(roots)
	if err != nil {
		return err
	}
	e.graph = g
	e.exec = phase.New(g, e.opts.Cache, e.opts.Invoker, e.opts.Shell, e.opts.Fetcher,
		e.opts.Platform, e.opts.Hasher, e.opts.Logger, e.opts.Loader, e.opts.Jobs, e.opts.Env)
	if e.opts.Progress != nil {
		e.exec.Progress = e.opts.Progress
	}
	return nil
}

// Graph returns the resolved graph, or nil before ResolveGraph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Cancel raises the phase engine's cooperative cancellation flag.
func (e *Engine) Cancel() {
	if e.exec != nil {
		e.exec.Cancel()
	}
}

// EnsureRecipeAtPhase brings the recipe identified by key to target.
func (e *Engine) EnsureRecipeAtPhase(ctx context.Context, key string, target specpool.Phase) error {
	if e.exec == nil {
		return fmt.Errorf("engine: graph not resolved")
	}
	return e.exec.EnsureRecipeAtPhase(ctx, key, target)
}

// RunFull resolves roots and brings every root to completion, returning
// the per-recipe outcome map. Per-recipe failures land in the Outcome, not
// the returned error; the error covers resolution and setup failures only.
func (e *Engine) RunFull(ctx context.Context, roots []*specpool.RecipeSpec) (Outcome, error) {
	if err := e.ResolveGraph(roots); err != nil {
		return nil, err
	}

	var eg errgroup.Group
	for _, key := range e.graph.Roots {
		key := key
		eg.Go(func() error {
			// Failures are recorded on the recipe and reported through the
			// outcome map; a failed root must not stop its siblings.
			_ = e.exec.EnsureRecipeAtPhase(ctx, key, specpool.PhaseCompletion)
			return nil
		})
	}
	_ = eg.Wait()

	return e.collectOutcome(), nil
}

// collectOutcome snapshots every recipe's terminal state.
func (e *Engine) collectOutcome() Outcome {
	out := make(Outcome, len(e.graph.RecipesByKey))
	for key, rec := range e.graph.RecipesByKey {
		out[key] = outcomeFor(rec)
	}
	return out
}

func outcomeFor(rec *graph.Recipe) Result {
	for _, p := range []specpool.Phase{
		specpool.PhaseFetch, specpool.PhaseCheck, specpool.PhaseStage,
		specpool.PhaseBuild, specpool.PhaseInstall, specpool.PhaseCompletion,
	} {
		if rec.State(p) == graph.StateFailed {
			reason := "failed"
			if err := rec.Err(p); err != nil {
				reason = err.Error()
			}
			return Result{Status: StatusFailed, Phase: p.String(), Reason: reason}
		}
	}
	return Result{Status: StatusDone, AssetPath: rec.AssetPath}
}

// FindExact returns the recipe stored under exactly key, if any.
func (e *Engine) FindExact(key string) (*graph.Recipe, bool) {
	if e.graph == nil {
		return nil, false
	}
	rec, ok := e.graph.RecipesByKey[key]
	return rec, ok
}

// FindProductProvider returns the recipe providing the named product.
func (e *Engine) FindProductProvider(name string) (*graph.Recipe, bool) {
	if e.graph == nil {
		return nil, false
	}
	key, ok := e.graph.Products.FindProvider(name)
	if !ok {
		return nil, false
	}
	return e.FindExact(key)
}

// CollectAllProducts returns every registered product with its resolved
// value (provider install_dir joined with the declared relative path, once
// the provider has installed).
func (e *Engine) CollectAllProducts() []product.ProductInfo {
	if e.graph == nil {
		return nil
	}
	return e.graph.Products.CollectAll(func(name, recipeKey, pathHint string) string {
		rec, ok := e.graph.RecipesByKey[recipeKey]
		if !ok {
			return ""
		}
		if v, ok := rec.ProductsResolved[name]; ok {
			return v
		}
		return pathHint
	})
}
