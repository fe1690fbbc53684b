package phase

import (
	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/specpool"
)

// buildContext assembles the capability-scoped Context for rec's callback
// at phase name, granting Asset()/Product() access only to what rec's
// spec actually declared.
func (e *Engine) buildContext(rec *graph.Recipe, phaseName, fetchDir, stageDir, installDir, tmpDir string) *Context {
	assets := make(map[string]string)
	products := make(map[string]bool)

	for _, rd := range rec.ResolvedDeps {
		switch rd.Dep.Kind {
		case specpool.DepStrong:
			assets[rd.Dep.Identity.String()] = rd.ResolvedKey
		case specpool.DepRefOnly:
			assets[rd.Dep.IdentityPattern] = rd.ResolvedKey
		case specpool.DepWeak:
			assets[rd.Dep.TargetIdentityPattern] = rd.ResolvedKey
		case specpool.DepProduct:
			products[rd.Dep.ProductName] = true
		case specpool.DepCustomFetch:
			assets[rd.Dep.Identity.String()] = rd.ResolvedKey
		}
	}

	return &Context{
		recipeKey:        rec.Key,
		phase:            phaseName,
		fetchDir:         fetchDir,
		stageDir:         stageDir,
		installDir:       installDir,
		tmpDir:           tmpDir,
		declaredAssets:   assets,
		declaredProducts: products,
		g:                e.Graph,
		shell:            e.Shell,
		env:              e.Env,
		cancelled:        e.cancelled,
	}
}

// selectCallback returns the phase-specific callback handle declared on
// rec's spec, or nil if none.
func selectCallback(rec *graph.Recipe, p specpool.Phase) specpool.CallbackHandle {
	cb := rec.Spec.PhaseCallbacks
	switch p {
	case specpool.PhaseFetch:
		return cb.Fetch
	case specpool.PhaseCheck:
		return cb.Check
	case specpool.PhaseStage:
		return cb.Stage
	case specpool.PhaseBuild:
		return cb.Build
	case specpool.PhaseInstall:
		return cb.Install
	default:
		return nil
	}
}
