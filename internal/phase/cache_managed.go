package phase

import (
	"context"
	"path/filepath"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/specpool"
)

// pkgRunState memoizes the single cache.EnsurePkg call a cache-managed
// recipe makes, at its fetch phase, for the lifetime of one engine run.
type pkgRunState struct {
	result      cache.EnsurePkgResult
	variantHash string
}

// getPkgState returns the memoized pkgRunState for rec, calling
// cache.EnsurePkg exactly once per recipe per engine run.
func (e *Engine) getPkgState(rec *graph.Recipe) (*pkgRunState, error) {
	e.pkgMu.Lock()
	defer e.pkgMu.Unlock()

	if st, ok := e.pkgStates[rec.Key]; ok {
		return st, nil
	}

	variantHash := rec.EnsureVariantHash(e.Hasher.Digest)
	result, err := e.Cache.EnsurePkg(rec.Spec.Identity.String(), e.Platform.OSName(), e.Platform.ArchName(), variantHash)
	if err != nil {
		return nil, err
	}
	st := &pkgRunState{result: result, variantHash: variantHash}
	e.pkgStates[rec.Key] = st
	return st, nil
}

// releasePkgHandle closes rec's slow-path cache handle if one is held,
// without writing any sentinel. Used on terminal failure; the entry's
// partial state is redone by the next holder.
func (e *Engine) releasePkgHandle(rec *graph.Recipe) {
	e.pkgMu.Lock()
	st := e.pkgStates[rec.Key]
	e.pkgMu.Unlock()
	if st != nil && st.result.Handle != nil {
		st.result.Handle.Close()
	}
}

// executeCacheManaged runs phase p of a cache-managed recipe: the cache
// store's fast path short-circuits every phase to Done with AssetPath =
// install_dir; the slow path holds the lock across fetch..install and
// calls each declared phase callback in turn.
func (e *Engine) executeCacheManaged(ctx context.Context, rec *graph.Recipe, p specpool.Phase) error {
	if p == specpool.PhaseCompletion {
		return nil // no Completion callback in the data model; pure sync point
	}

	st, err := e.getPkgState(rec)
	if err != nil {
		return err
	}
	if st.result.FastPath() {
		rec.AssetPath = st.result.InstallDir
		if p == specpool.PhaseInstall {
			// A cached install still exposes its products to dependents.
			return e.resolveProducts(ctx, rec)
		}
		return nil
	}

	handle := st.result.Handle
	defer func() {
		if p == specpool.PhaseInstall {
			handle.Close()
		}
	}()

	switch p {
	case specpool.PhaseFetch:
		if err := e.runCustomFetchDeps(ctx, rec, handle); err != nil {
			return err
		}
		if cb := rec.Spec.PhaseCallbacks.Fetch; cb != nil {
			pctx := e.buildContext(rec, "fetch", handle.FetchDir(), "", "", handle.TmpDir())
			if _, _, err := e.Invoker.InvokePhase(ctx, cb, pctx); err != nil {
				return err
			}
		} else if e.Fetcher != nil {
			if err := e.fetchDefaultSource(ctx, rec, handle.FetchDir()); err != nil {
				return err
			}
		}
		return handle.MarkFetchComplete()

	case specpool.PhaseCheck:
		return nil // cache-managed recipes have no Check callback by definition

	case specpool.PhaseStage, specpool.PhaseBuild:
		cb := selectCallback(rec, p)
		if cb == nil {
			return nil
		}
		pctx := e.buildContext(rec, p.String(), handle.FetchDir(), handle.StageDir(), "", handle.TmpDir())
		_, _, err := e.Invoker.InvokePhase(ctx, cb, pctx)
		return err

	case specpool.PhaseInstall:
		if cb := rec.Spec.PhaseCallbacks.Install; cb != nil {
			pctx := e.buildContext(rec, "install", handle.FetchDir(), handle.StageDir(), "", handle.TmpDir())
			if _, _, err := e.Invoker.InvokePhase(ctx, cb, pctx); err != nil {
				return err
			}
		}
		stageInstall := filepath.Join(handle.StageDir(), "install")
		if err := handle.MarkInstallComplete(stageInstall); err != nil {
			return err
		}
		rec.AssetPath = handle.InstallDir()
		return e.resolveProducts(ctx, rec)
	}
	return nil
}
