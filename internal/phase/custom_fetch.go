package phase

import (
	"context"
	"fmt"
	"os"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/specpool"
)

// runCustomFetchDeps invokes every CustomFetch dependency's fetch_callback
// during the parent's fetch phase. The callback populates a scratch dir
// and commits the child's recipe body into the child's spec cache entry;
// the child then enters the graph as a normal RecipeSpec. This is the only
// operation by which the graph may grow after the engine has begun
// execution.
//
// The child's dependency closure is the union of its own Strong deps and
// the inline deps declared on the CustomFetch dep itself; both are
// expanded here with cycle detection rooted at the parent. A custom-fetch
// child that reaches back to any of its ancestors is always a CycleError.
// A child declaring ref-only/weak/product dependencies of its own is
// rejected with an error.
func (e *Engine) runCustomFetchDeps(ctx context.Context, rec *graph.Recipe, parentHandle *cache.Handle) error {
	for i, rd := range rec.ResolvedDeps {
		if rd.Dep.Kind != specpool.DepCustomFetch {
			continue
		}
		if rd.ResolvedKey != "" {
			continue // already materialized by a previous attempt
		}

		childKey, err := e.invokeCustomFetch(ctx, rec, rd.Dep, parentHandle)
		if err != nil {
			return err
		}
		rec.ResolvedDeps[i].ResolvedKey = childKey
	}
	return nil
}

// invokeCustomFetch runs one CustomFetch dependency's callback and
// materializes the resulting child recipe into the graph, returning its
// key.
func (e *Engine) invokeCustomFetch(ctx context.Context, parent *graph.Recipe, dep specpool.DepSpec, parentHandle *cache.Handle) (string, error) {
	identity := dep.Identity.String()

	if e.specLoader == nil {
		return "", fmt.Errorf("phase: recipe %s declares a custom-fetch dependency but the engine has no spec loader", parent.Key)
	}

	e.customFetchMu.Lock()
	defer e.customFetchMu.Unlock()

	specEnsure, err := e.Cache.EnsureSpec(identity)
	if err != nil {
		return "", err
	}

	if !specEnsure.FastPath() {
		tmp, err := os.MkdirTemp(parentHandle.TmpDir(), "custom-fetch-*")
		if err != nil {
			return "", &cache.IoError{Op: "mkdtemp", Path: parentHandle.TmpDir(), Err: err}
		}
		fctx := &FetchContext{tmpDir: tmp, specHandle: specEnsure.Handle}
		if err := e.Invoker.InvokeFetch(ctx, dep.FetchCallback, fctx); err != nil {
			specEnsure.Handle.Close()
			return "", err
		}
		if !fctx.committed {
			specEnsure.Handle.Close()
			return "", fmt.Errorf("phase: custom-fetch callback for %s never called CommitFetch", identity)
		}
		if err := specEnsure.Handle.Close(); err != nil {
			return "", err
		}
	}

	childSpec, err := e.specLoader.Load(specpool.FetchSource{Kind: specpool.SourceLocalFile, Path: specEnsure.Entry.SourceFile}, identity)
	if err != nil {
		return "", err
	}
	childKey := childSpec.Key()

	// A custom-fetch child resolving back to its parent is a cycle, always.
	path := []string{parent.Key}
	if childKey == parent.Key {
		return "", &graph.CycleError{Cycle: []string{parent.Key, childKey}}
	}

	if existing, ok := e.Graph.RecipesByKey[childKey]; ok {
		return existing.Key, nil
	}

	childRec := graph.NewRecipe(childSpec)
	e.Graph.RecipesByKey[childKey] = childRec
	if err := e.expandStrongClosure(childRec, path); err != nil {
		return "", err
	}

	// Inline deps declared on the CustomFetch dep itself join the child's
	// resolved set alongside the deps the fetched body declares.
	childPath := append(path, childKey)
	for _, inline := range dep.InlineDependencies {
		if inline.Kind != specpool.DepStrong {
			return "", fmt.Errorf("phase: custom-fetch inline dependency of %s must be strong", identity)
		}
		if err := e.expandStrongDep(childRec, inline, childPath); err != nil {
			return "", err
		}
	}

	return childKey, nil
}

// expandStrongClosure registers the strong closure of rec's Dependencies
// into e.Graph, mirroring graph.Resolver's Pass A but scoped to a single
// freshly-materialized subtree. path carries the spec keys of rec's
// ancestors; a back-edge to any of them is a CycleError. Ref-only, weak and
// product dependencies are rejected; custom-fetch dependencies are skipped.
func (e *Engine) expandStrongClosure(rec *graph.Recipe, path []string) error {
	nextPath := append(append([]string(nil), path...), rec.Key)
	for _, dep := range rec.Spec.Dependencies {
		switch dep.Kind {
		case specpool.DepRefOnly, specpool.DepWeak, specpool.DepProduct:
			return fmt.Errorf("phase: recipe %s, added by a custom fetch, declares a ref-only, weak or product dependency; only strong dependencies are expanded mid-run", rec.Key)
		}
		if dep.Kind != specpool.DepStrong {
			continue
		}
		if err := e.expandStrongDep(rec, dep, nextPath); err != nil {
			return err
		}
	}
	return nil
}

// expandStrongDep loads one Strong dep of parent, detects back-edges
// against path by full spec key, and recurses into the child's closure if
// the child is new to the graph.
func (e *Engine) expandStrongDep(parent *graph.Recipe, dep specpool.DepSpec, path []string) error {
	childSpec, err := e.specLoader.Load(dep.Source, dep.Identity.String())
	if err != nil {
		return err
	}
	key := childSpec.Key()

	for _, k := range path {
		if k == key {
			return &graph.CycleError{Cycle: append(append([]string(nil), path...), key)}
		}
	}

	child, ok := e.Graph.RecipesByKey[key]
	if !ok {
		child = graph.NewRecipe(childSpec)
		e.Graph.RecipesByKey[key] = child
		if err := e.expandStrongClosure(child, path); err != nil {
			return err
		}
	}

	parent.ResolvedDeps = append(parent.ResolvedDeps, graph.ResolvedDep{Dep: dep, ResolvedKey: key})
	return nil
}
