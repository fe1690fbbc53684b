// Package phase implements the concurrent phase engine: a bounded worker
// pool bringing recipes through the ordered fetch, check, stage, build,
// install, completion phases, enforcing per-recipe ordering, cross-recipe
// needed_by_phase edges, and capability-scoped callback contexts.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/log"
	"github.com/kobo-build/anvil/internal/shim"
	"github.com/kobo-build/anvil/internal/specpool"
)

// ErrCancelled is returned by any in-flight phase once Engine.Cancel has
// been called. The interrupted phase is recorded as Failed with this error,
// so the outcome reports that recipe as failed at that phase; phases that
// already completed stay Done, and no sentinel is written for the
// interrupted one.
var ErrCancelled = errors.New("phase: cancelled")

// orderedPhases lists the six phases in their fixed order.
var orderedPhases = []specpool.Phase{
	specpool.PhaseFetch, specpool.PhaseCheck, specpool.PhaseStage,
	specpool.PhaseBuild, specpool.PhaseInstall, specpool.PhaseCompletion,
}

// Engine brings recipes in a resolved graph.Graph to a requested phase,
// using a weighted semaphore to cap concurrent phase-callback execution.
type Engine struct {
	Graph    *graph.Graph
	Cache    *cache.Store
	Invoker  CallbackInvoker
	Shell    shim.ShellRunner
	Fetcher  shim.Fetcher // optional: default-source fetch when no Fetch callback is declared
	Platform shim.Platform
	Hasher   shim.Hasher
	Logger   log.Logger
	Progress shim.Progress
	Env      []string

	// specLoader re-enters the manifest evaluator for children produced by
	// a custom-fetch callback mid-run. nil if the engine was built without
	// a Loader, in which case any custom-fetch dependency encountered is
	// an error.
	specLoader specpool.Loader

	sem       *semaphore.Weighted
	cancelled chan struct{}

	pkgMu     sync.Mutex
	pkgStates map[string]*pkgRunState

	userMu      sync.Mutex
	userTmpDirs map[string]string

	customFetchMu sync.Mutex
}

// New constructs an Engine with a worker pool of the given size (the
// caller resolves the default, logical CPU count, via internal/config).
// loader is used only to re-enter the manifest evaluator for custom-fetch
// children; pass nil if the graph has none.
func New(g *graph.Graph, store *cache.Store, invoker CallbackInvoker, shell shim.ShellRunner, fetcher shim.Fetcher, platform shim.Platform, hasher shim.Hasher, logger log.Logger, loader specpool.Loader, jobs int, env []string) *Engine {
	if logger == nil {
		logger = log.NewNoop()
	}
	if jobs < 1 {
		jobs = 1
	}
	return &Engine{
		Graph: g, Cache: store, Invoker: invoker, Shell: shell, Fetcher: fetcher,
		Platform: platform, Hasher: hasher, Logger: logger, Progress: shim.NoProgress(), Env: env,
		specLoader:  loader,
		sem:         semaphore.NewWeighted(int64(jobs)),
		cancelled:   make(chan struct{}),
		pkgStates:   make(map[string]*pkgRunState),
		userTmpDirs: make(map[string]string),
	}
}

// Cancel raises the cooperative cancellation flag, polled between phases
// and before each subprocess spawn. Idempotent.
func (e *Engine) Cancel() {
	select {
	case <-e.cancelled:
	default:
		close(e.cancelled)
	}
}

func (e *Engine) isCancelled() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

// EnsureRecipeAtPhase brings the recipe identified by key through every
// phase up to and including target, respecting per-recipe ordering and
// cross-recipe needed_by_phase edges.
func (e *Engine) EnsureRecipeAtPhase(ctx context.Context, key string, target specpool.Phase) error {
	rec, ok := e.Graph.RecipesByKey[key]
	if !ok {
		return fmt.Errorf("phase: recipe %s not found in graph", key)
	}
	return e.ensurePhase(ctx, rec, target)
}

// ensurePhase recursively ensures every phase up to and including target
// completes for rec, in order: for any two phases p1 < p2 of the same
// recipe, p1 happens-before p2.
func (e *Engine) ensurePhase(ctx context.Context, rec *graph.Recipe, target specpool.Phase) error {
	if target > specpool.PhaseFetch {
		if err := e.ensurePhase(ctx, rec, target-1); err != nil {
			return err
		}
	}
	return e.runPhase(ctx, rec, target)
}

// runPhase drives exactly one phase of rec to completion, handling the
// Pending/InProgress/Done/Failed state machine and waiting on any
// cross-recipe needed_by_phase edges targeting this phase.
func (e *Engine) runPhase(ctx context.Context, rec *graph.Recipe, p specpool.Phase) error {
	for {
		switch rec.State(p) {
		case graph.StateDone:
			return nil
		case graph.StateFailed:
			return &PrerequisiteFailed{DepKey: rec.Key, Inner: rec.Err(p)}
		case graph.StateInProgress:
			select {
			case <-rec.WaitChan(p):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-e.cancelled:
				return ErrCancelled
			}
		case graph.StatePending:
			if !rec.TryClaim(p) {
				continue // lost the race; re-check state
			}
			e.Progress.PhaseStarted(rec.Key, p.String())
			err := e.execute(ctx, rec, p)
			e.Progress.PhaseFinished(rec.Key, p.String(), err)
			if err != nil {
				rec.Fail(p, err)
				// Failure is terminal for this recipe; release its cache
				// lock so another process can retry the entry.
				e.releasePkgHandle(rec)
				return err
			}
			rec.SetState(p, graph.StateDone)
			return nil
		}
	}
}

// execute runs the actual work for phase p of rec, once claimed: waiting
// on needed_by_phase dependency edges, then invoking whatever callback or
// cache interaction the phase and recipe Type call for.
func (e *Engine) execute(ctx context.Context, rec *graph.Recipe, p specpool.Phase) error {
	if e.isCancelled() {
		return ErrCancelled
	}

	if err := e.waitDependencies(ctx, rec, p); err != nil {
		return err
	}

	if e.isCancelled() {
		return ErrCancelled
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	e.Logger.Debug("phase begin", "key", rec.Key, "phase", p.String())

	switch rec.Type {
	case graph.TypeUserManaged:
		return e.executeUserManaged(ctx, rec, p)
	default:
		return e.executeCacheManaged(ctx, rec, p)
	}
}

// waitDependencies blocks until every resolved dependency whose
// EffectiveNeededByPhase is at or before p has itself reached phase p:
// once a dependency's needed-by phase passes, it keeps pace with its
// parent, so the dependency's phase p completes before the parent's
// phase p begins.
func (e *Engine) waitDependencies(ctx context.Context, rec *graph.Recipe, p specpool.Phase) error {
	for _, rd := range rec.ResolvedDeps {
		if rd.Dep.EffectiveNeededByPhase() > p {
			continue
		}
		if rd.ResolvedKey == "" {
			continue // unresolved custom-fetch dep; handled inline during fetch
		}
		depRec, ok := e.Graph.RecipesByKey[rd.ResolvedKey]
		if !ok {
			continue
		}
		if err := e.ensurePhase(ctx, depRec, p); err != nil {
			return &PrerequisiteFailed{DepKey: rd.ResolvedKey, Inner: err}
		}
	}
	return nil
}

