package phase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/specpool"
)

// userDirs are the ephemeral, non-content-addressed scratch directories a
// user-managed recipe's phases share. User-managed recipes reflect
// externally-detected system state, so their fetch/stage/build/install
// work has nothing to be cache-keyed by — only check's report matters.
// They live under the cache root's "user/" subtree, under a per-recipe key
// rather than a variant hash. cache.GC and cache.TryCleanupStale walk only
// pkg/, so this subtree is not swept by them.
type userDirs struct {
	fetch, stage, install, tmp string
}

// userScratchDir returns (creating if needed) the stable scratch root for
// rec, deriving its name from rec.Key so repeated phases of the same
// recipe within one engine run share a single scratch tree.
func (e *Engine) userScratchDir(rec *graph.Recipe) (userDirs, error) {
	e.userMu.Lock()
	defer e.userMu.Unlock()

	if base, ok := e.userTmpDirs[rec.Key]; ok {
		return dirsUnder(base), nil
	}

	sum := sha256.Sum256([]byte(rec.Key))
	base := filepath.Join(e.Cache.Root, "user", hex.EncodeToString(sum[:])[:32])
	dirs := dirsUnder(base)
	for _, d := range []string{dirs.fetch, dirs.stage, dirs.install, dirs.tmp} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return userDirs{}, &cache.IoError{Op: "mkdir", Path: d, Err: err}
		}
	}
	e.userTmpDirs[rec.Key] = base
	return dirs, nil
}

// purgeUserScratch removes rec's scratch tree. User-managed recipes leave
// no cached artifact behind once check reports the system satisfied.
func (e *Engine) purgeUserScratch(rec *graph.Recipe) {
	e.userMu.Lock()
	base, ok := e.userTmpDirs[rec.Key]
	delete(e.userTmpDirs, rec.Key)
	e.userMu.Unlock()
	if ok {
		os.RemoveAll(base)
	}
}

func dirsUnder(base string) userDirs {
	return userDirs{
		fetch:   filepath.Join(base, "fetch"),
		stage:   filepath.Join(base, "stage"),
		install: filepath.Join(base, "install"),
		tmp:     filepath.Join(base, "tmp"),
	}
}

// executeUserManaged runs phase p of a user-managed recipe: check's
// callback determines whether stage/build/install run at all.
func (e *Engine) executeUserManaged(ctx context.Context, rec *graph.Recipe, p specpool.Phase) error {
	if p == specpool.PhaseCompletion {
		return nil
	}

	dirs, err := e.userScratchDir(rec)
	if err != nil {
		return err
	}

	switch p {
	case specpool.PhaseFetch:
		if cb := rec.Spec.PhaseCallbacks.Fetch; cb != nil {
			pctx := e.buildContext(rec, "fetch", dirs.fetch, "", "", dirs.tmp)
			_, _, err := e.Invoker.InvokePhase(ctx, cb, pctx)
			return err
		} else if e.Fetcher != nil && rec.Spec.Source.Kind != specpool.SourceInline {
			return e.fetchDefaultSource(ctx, rec, dirs.fetch)
		}
		return nil

	case specpool.PhaseCheck:
		cb := rec.Spec.PhaseCallbacks.Check
		if cb == nil {
			return fmt.Errorf("phase: recipe %s is user-managed but declares no check callback", rec.Key)
		}
		pctx := e.buildContext(rec, "check", dirs.fetch, "", "", dirs.tmp)
		satisfied, result, err := e.Invoker.InvokePhase(ctx, cb, pctx)
		if err != nil {
			return err
		}
		rec.CheckSatisfied = satisfied
		if satisfied {
			rec.AssetPath = result
		}
		return nil

	case specpool.PhaseStage, specpool.PhaseBuild:
		if rec.CheckSatisfied {
			return nil
		}
		cb := selectCallback(rec, p)
		if cb == nil {
			return nil
		}
		pctx := e.buildContext(rec, p.String(), dirs.fetch, dirs.stage, "", dirs.tmp)
		_, _, err := e.Invoker.InvokePhase(ctx, cb, pctx)
		return err

	case specpool.PhaseInstall:
		if rec.CheckSatisfied {
			// The system already satisfies this recipe; nothing built here
			// is worth keeping, so the scratch tree is purged.
			e.purgeUserScratch(rec)
			return e.resolveProducts(ctx, rec)
		}
		if cb := rec.Spec.PhaseCallbacks.Install; cb != nil {
			pctx := e.buildContext(rec, "install", dirs.fetch, dirs.stage, dirs.install, dirs.tmp)
			if _, _, err := e.Invoker.InvokePhase(ctx, cb, pctx); err != nil {
				return err
			}
		}
		rec.AssetPath = dirs.install
		return e.resolveProducts(ctx, rec)
	}
	return nil
}
