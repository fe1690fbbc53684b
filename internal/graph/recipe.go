// Package graph implements the graph resolver: turning a set of root
// RecipeSpecs into a validated DAG of Recipe nodes through a three-pass
// fixed-point algorithm (strong closure, ref-only/product resolution, weak
// expansion).
package graph

import (
	"sync"

	"github.com/kobo-build/anvil/internal/ident"
	"github.com/kobo-build/anvil/internal/specpool"
)

// RecipeType classifies whether a recipe's result lives in the
// content-addressed cache or reflects externally-detected system state.
type RecipeType int

const (
	TypeUnknown RecipeType = iota
	TypeCacheManaged
	TypeUserManaged
)

// PhaseState is one recipe phase's state machine position.
type PhaseState int

const (
	StatePending PhaseState = iota
	StateInProgress
	StateDone
	StateFailed
)

// ResolvedDep pairs a dependency declaration with the key of the recipe it
// resolved to.
type ResolvedDep struct {
	Dep        specpool.DepSpec
	ResolvedKey string
}

// Recipe is the mutable, resolved graph node for one (identity, options)
// pair. Key = FormatKey(spec.Identity, spec.SerializedOptions).
type Recipe struct {
	mu sync.Mutex

	Spec *specpool.RecipeSpec
	Key  string

	Type RecipeType

	ResolvedDeps                []ResolvedDep
	ResolvedWeakFallbackDigests []string
	VariantHash                 string

	PhaseState map[specpool.Phase]PhaseState

	AssetPath        string
	ProductsResolved map[string]string
	CheckSatisfied   bool // meaningful only when Type == TypeUserManaged

	errs map[specpool.Phase]error

	// Parents waiting on this recipe, indexed by the phase they're
	// waiting for.
	waiters map[specpool.Phase][]chan struct{}
}

// NewRecipe constructs a Recipe for spec, with all phases Pending. A
// recipe is user-managed iff it declares a check callback, which is known
// at spec-load time, so Type is determined here rather than deferred.
func NewRecipe(spec *specpool.RecipeSpec) *Recipe {
	states := make(map[specpool.Phase]PhaseState, 6)
	for _, p := range []specpool.Phase{
		specpool.PhaseFetch, specpool.PhaseCheck, specpool.PhaseStage,
		specpool.PhaseBuild, specpool.PhaseInstall, specpool.PhaseCompletion,
	} {
		states[p] = StatePending
	}

	typ := TypeCacheManaged
	if spec.PhaseCallbacks.Check != nil {
		typ = TypeUserManaged
	}

	return &Recipe{
		Spec:       spec,
		Key:        spec.Key(),
		Type:       typ,
		PhaseState: states,
		errs:       make(map[specpool.Phase]error),
		waiters:    make(map[specpool.Phase][]chan struct{}),
	}
}

// TryClaim atomically transitions phase p from Pending to InProgress,
// reporting whether this caller won the race. At most one worker runs a
// given recipe's phase at any time.
func (r *Recipe) TryClaim(p specpool.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PhaseState[p] != StatePending {
		return false
	}
	r.PhaseState[p] = StateInProgress
	return true
}

// Fail transitions phase p to Failed, recording err and notifying waiters.
func (r *Recipe) Fail(p specpool.Phase, err error) {
	r.mu.Lock()
	r.PhaseState[p] = StateFailed
	r.errs[p] = err
	var toNotify []chan struct{}
	toNotify = r.waiters[p]
	delete(r.waiters, p)
	r.mu.Unlock()

	for _, ch := range toNotify {
		close(ch)
	}
}

// Err returns the error recorded for phase p, if it failed.
func (r *Recipe) Err(p specpool.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[p]
}

// EnsureVariantHash computes and caches r.VariantHash from r's key and its
// resolved weak-fallback digest set. Safe to call repeatedly or
// concurrently; the hash is computed once.
func (r *Recipe) EnsureVariantHash(hasher func([]byte) ident.Digest32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.VariantHash == "" {
		r.VariantHash = ident.VariantHash(hasher, r.Key, r.ResolvedWeakFallbackDigests)
	}
	return r.VariantHash
}

// State returns the current state of phase p.
func (r *Recipe) State(p specpool.Phase) PhaseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PhaseState[p]
}

// SetState transitions phase p to state, notifying anyone waiting on this
// recipe reaching state >= Done for that phase.
func (r *Recipe) SetState(p specpool.Phase, state PhaseState) {
	r.mu.Lock()
	r.PhaseState[p] = state
	var toNotify []chan struct{}
	if state == StateDone || state == StateFailed {
		toNotify = r.waiters[p]
		delete(r.waiters, p)
	}
	r.mu.Unlock()

	for _, ch := range toNotify {
		close(ch)
	}
}

// WaitChan returns a channel that closes once phase p reaches Done or
// Failed. If it has already done so, the returned channel is already
// closed.
func (r *Recipe) WaitChan(p specpool.Phase) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.PhaseState[p] == StateDone || r.PhaseState[p] == StateFailed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	ch := make(chan struct{})
	r.waiters[p] = append(r.waiters[p], ch)
	return ch
}
