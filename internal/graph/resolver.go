package graph

import (
	"sort"

	"github.com/kobo-build/anvil/internal/ident"
	"github.com/kobo-build/anvil/internal/product"
	"github.com/kobo-build/anvil/internal/shim"
	"github.com/kobo-build/anvil/internal/specpool"
)

// fallbackDigestHasher computes the digest contributed by an instantiated
// weak fallback to its parent's variant hash. It is package-level rather
// than threaded through every call since the digest here is purely an
// internal bookkeeping value, not something a caller ever needs to swap.
var fallbackDigestHasher = shim.DefaultHasher()

// MaxIterations bounds the Pass A/B/C fixed-point loop, guarding against
// pathological fallback-of-fallback explosions.
const MaxIterations = 16

// Graph is the resolver's output: a validated DAG of Recipe nodes plus the
// product index.
type Graph struct {
	RecipesByKey map[string]*Recipe
	Roots        []string
	Products     *product.Registry
}

// Resolver runs the three-pass fixed-point algorithm over a set of root
// RecipeSpecs: Pass A walks the strong closure, Pass B resolves ref-only
// and product references against the graph so far, Pass C instantiates
// weak fallbacks and loops back to Pass A.
type Resolver struct {
	pool *specpool.Pool
	idx  *identityIndex
}

// NewResolver constructs a Resolver backed by pool for loading specs
// discovered mid-resolution (strong dependencies, product targets, weak
// fallbacks).
func NewResolver(pool *specpool.Pool) *Resolver {
	return &Resolver{pool: pool, idx: newIdentityIndex()}
}

// resolveState carries the graph-under-construction across Pass A/B/C
// iterations. Cycle detection is done via the explicit path slice threaded
// through passA, not state held here.
type resolveState struct {
	recipes  map[string]*Recipe
	products *product.Registry
}

// Resolve runs Pass A/B/C to a fixed point and returns the resolved Graph.
func (r *Resolver) Resolve(roots []*specpool.RecipeSpec) (*Graph, error) {
	st := &resolveState{
		recipes:  make(map[string]*Recipe),
		products: product.NewRegistry(),
	}

	rootKeys := make([]string, 0, len(roots))
	for _, spec := range roots {
		rootKeys = append(rootKeys, spec.Key())
	}

	pendingRoots := roots
	for iteration := 0; iteration < MaxIterations; iteration++ {
		grew := false

		// Pass A: strong/custom-fetch closure from any not-yet-visited
		// roots or newly-instantiated weak fallbacks.
		for _, spec := range pendingRoots {
			newNode, err := r.passA(st, spec, nil)
			if err != nil {
				return nil, err
			}
			grew = grew || newNode
		}
		pendingRoots = nil

		// Pass B: ref-only and product resolution over the whole current
		// graph.
		unresolvedWeaks, err := r.passB(st)
		if err != nil {
			return nil, err
		}

		if len(unresolvedWeaks) == 0 && !grew {
			return &Graph{RecipesByKey: st.recipes, Roots: rootKeys, Products: st.products}, nil
		}

		// Pass C: instantiate weak fallbacks for anything Pass B couldn't
		// satisfy from the existing graph, and loop back to Pass A.
		for _, w := range unresolvedWeaks {
			fallbackSpec, digest, err := r.instantiateFallback(w.dep)
			if err != nil {
				return nil, err
			}
			pendingRoots = append(pendingRoots, fallbackSpec)
			w.parent.ResolvedWeakFallbackDigests = append(w.parent.ResolvedWeakFallbackDigests, digest)
			w.parent.ResolvedDeps = append(w.parent.ResolvedDeps, ResolvedDep{Dep: w.dep, ResolvedKey: fallbackSpec.Key()})
		}
	}

	return nil, &ResolutionDivergedError{MaxIterations: MaxIterations}
}

// passA performs the BFS/DFS strong-and-custom-fetch closure starting at
// spec, returning whether any new Recipe node was created. path holds the
// keys of spec's ancestors on the current walk (nil for roots); reaching a
// key already on it is a CycleError.
func (r *Resolver) passA(st *resolveState, spec *specpool.RecipeSpec, path []string) (bool, error) {
	key := spec.Key()

	for _, k := range path {
		if k == key {
			return false, &CycleError{Cycle: append(append([]string(nil), path...), key)}
		}
	}

	if _, ok := st.recipes[key]; ok {
		return false, nil // already visited this run; strong edges are idempotent
	}

	rec := NewRecipe(spec)
	st.recipes[key] = rec
	r.idx.Add(spec.Identity, key)
	registerStaticProducts(st.products, spec, key)

	grew := true
	nextPath := append(append([]string(nil), path...), key)

	for _, dep := range spec.Dependencies {
		switch dep.Kind {
		case specpool.DepStrong:
			childSpec, err := r.loadStrong(dep)
			if err != nil {
				return grew, err
			}
			if _, err := r.passA(st, childSpec, nextPath); err != nil {
				return grew, err
			}
			rec.ResolvedDeps = append(rec.ResolvedDeps, ResolvedDep{Dep: dep, ResolvedKey: childSpec.Key()})

		case specpool.DepCustomFetch:
			// Custom-fetch children don't exist yet; the phase engine
			// instantiates them during the parent's fetch phase by
			// invoking dep.FetchCallback and re-entering the resolver —
			// the only way the graph grows after execution begins. Pass
			// A only records the intent here; cycles among custom-fetch
			// deps are rejected unconditionally at invocation time by the
			// phase engine, since the child doesn't exist to detect a
			// cycle against yet.
			rec.ResolvedDeps = append(rec.ResolvedDeps, ResolvedDep{Dep: dep, ResolvedKey: ""})

		case specpool.DepProduct:
			// A product dep naming a Strong target pulls that provider
			// into the graph here; Pass B then matches the product name
			// against it.
			if t := dep.ProductTargetRef; t != nil && t.Kind == specpool.DepStrong {
				childSpec, err := r.loadStrong(*t)
				if err != nil {
					return grew, err
				}
				if _, err := r.passA(st, childSpec, nextPath); err != nil {
					return grew, err
				}
			}

		// RefOnly and Weak are resolved in Pass B/C.
		default:
		}
	}

	return grew, nil
}

// loadStrong returns the spec for a Strong dep, honoring the dep's own
// option table: the same identity requested with different options yields
// a distinct (identity, options) node.
func (r *Resolver) loadStrong(dep specpool.DepSpec) (*specpool.RecipeSpec, error) {
	serialized, err := ident.SerializeOptions(dep.Options)
	if err != nil {
		return nil, err
	}
	if existing, ok := r.pool.Get(ident.FormatKey(dep.Identity, serialized)); ok {
		return existing, nil
	}

	spec, err := r.pool.Load(dep.Source, dep.Identity.String())
	if err != nil {
		return nil, &NotFoundError{Identity: dep.Identity.String(), Err: err}
	}
	if serialized == "" || spec.SerializedOptions() == serialized {
		return spec, nil
	}

	// The loader returned the recipe under its declared options;
	// re-instantiate it under the dep's option table.
	optioned, err := specpool.NewRecipeSpec(spec.Identity, spec.Source, dep.Options,
		spec.Dependencies, spec.Products, spec.PhaseCallbacks, spec.ManifestRoot)
	if err != nil {
		return nil, err
	}
	return r.pool.Intern(optioned), nil
}

// unresolvedWeak records a Weak dep whose target wasn't found in the
// current graph, carried from Pass B into Pass C.
type unresolvedWeak struct {
	parent *Recipe
	dep    specpool.DepSpec
}

// passB resolves every RefOnly and Product dependency against the current
// graph, returning the Weak deps that still need a fallback instantiated
// in Pass C.
func (r *Resolver) passB(st *resolveState) ([]unresolvedWeak, error) {
	var pending []unresolvedWeak

	// Stable iteration order over recipes for deterministic ambiguity
	// reporting.
	keys := make([]string, 0, len(st.recipes))
	for k := range st.recipes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rec := st.recipes[key]
		for i := range rec.Spec.Dependencies {
			dep := rec.Spec.Dependencies[i]
			if alreadyResolved(rec, dep) {
				continue
			}

			switch dep.Kind {
			case specpool.DepRefOnly:
				matches := r.idx.Match(dep.IdentityPattern)
				switch len(matches) {
				case 0:
					return nil, &UnresolvedDependencyError{Pattern: dep.IdentityPattern}
				case 1:
					rec.ResolvedDeps = append(rec.ResolvedDeps, ResolvedDep{Dep: dep, ResolvedKey: matches[0]})
				default:
					return nil, &AmbiguousDependencyError{Pattern: dep.IdentityPattern, Matches: matches}
				}

			case specpool.DepProduct:
				providers := st.products.Providers(dep.ProductName)
				if t := dep.ProductTargetRef; t != nil {
					providers = filterProvidersByTarget(st, providers, *t)
				}
				switch {
				case len(providers) == 0 && dep.ProductWeakFallback == nil:
					return nil, &UnresolvedDependencyError{Pattern: "product:" + dep.ProductName}
				case len(providers) == 0:
					pending = append(pending, unresolvedWeak{parent: rec, dep: dep})
				case len(providers) == 1:
					rec.ResolvedDeps = append(rec.ResolvedDeps, ResolvedDep{Dep: dep, ResolvedKey: providers[0]})
				default:
					if distinctAssetPaths(st.products, dep.ProductName, providers) {
						return nil, &AmbiguousProductError{ProductName: dep.ProductName, Providers: providers}
					}
					sort.Strings(providers)
					rec.ResolvedDeps = append(rec.ResolvedDeps, ResolvedDep{Dep: dep, ResolvedKey: providers[0]})
				}

			case specpool.DepWeak:
				matches := r.idx.Match(dep.TargetIdentityPattern)
				switch len(matches) {
				case 0:
					pending = append(pending, unresolvedWeak{parent: rec, dep: dep})
				case 1:
					rec.ResolvedDeps = append(rec.ResolvedDeps, ResolvedDep{Dep: dep, ResolvedKey: matches[0]})
				default:
					return nil, &AmbiguousDependencyError{Pattern: dep.TargetIdentityPattern, Matches: matches}
				}
			}
		}
	}

	return pending, nil
}

// alreadyResolved reports whether dep already has an entry in
// rec.ResolvedDeps, so passB/Resolve don't re-resolve the same dependency
// across fixed-point iterations.
func alreadyResolved(rec *Recipe, dep specpool.DepSpec) bool {
	for _, rd := range rec.ResolvedDeps {
		if sameDep(rd.Dep, dep) {
			return true
		}
	}
	return false
}

func sameDep(a, b specpool.DepSpec) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case specpool.DepStrong:
		return a.Identity.String() == b.Identity.String()
	case specpool.DepRefOnly:
		return a.IdentityPattern == b.IdentityPattern
	case specpool.DepWeak:
		return a.TargetIdentityPattern == b.TargetIdentityPattern
	case specpool.DepProduct:
		return a.ProductName == b.ProductName
	case specpool.DepCustomFetch:
		return a.Identity.String() == b.Identity.String()
	}
	return false
}

// fallbackOf returns the fallback Strong dep for a Weak or Product dep,
// or nil if the dep carries none.
func fallbackOf(dep specpool.DepSpec) *specpool.DepSpec {
	switch dep.Kind {
	case specpool.DepWeak:
		return dep.Fallback
	case specpool.DepProduct:
		return dep.ProductWeakFallback
	}
	return nil
}

func patternOf(dep specpool.DepSpec) string {
	if dep.Kind == specpool.DepProduct {
		return "product:" + dep.ProductName
	}
	return dep.TargetIdentityPattern
}

// filterProvidersByTarget narrows a product's provider set to recipes
// matching the dep's declared target (an exact identity for a Strong
// target, a pattern for a RefOnly one).
func filterProvidersByTarget(st *resolveState, providers []string, target specpool.DepSpec) []string {
	pattern := target.IdentityPattern
	if target.Kind == specpool.DepStrong {
		pattern = target.Identity.String()
	}
	var out []string
	for _, key := range providers {
		rec, ok := st.recipes[key]
		if !ok {
			continue
		}
		if rec.Spec.Identity.Matches(pattern) {
			out = append(out, key)
		}
	}
	return out
}

func distinctAssetPaths(reg *product.Registry, name string, providerKeys []string) bool {
	paths := make(map[string]bool, len(providerKeys))
	for _, k := range providerKeys {
		paths[reg.ResolvedPathHint(name, k)] = true
	}
	return len(paths) > 1
}

// instantiateFallback loads (or re-uses) the spec for dep.Fallback,
// returning the spec and the digest contributed to the parent's variant
// hash.
func (r *Resolver) instantiateFallback(dep specpool.DepSpec) (*specpool.RecipeSpec, string, error) {
	fb := fallbackOf(dep)
	if fb == nil {
		return nil, "", &UnresolvedDependencyError{Pattern: patternOf(dep)}
	}
	spec, err := r.loadStrong(*fb)
	if err != nil {
		return nil, "", err
	}
	digest := ident.VariantHash(fallbackDigestHasher.Digest, spec.Key(), nil)
	return spec, digest, nil
}

func registerStaticProducts(reg *product.Registry, spec *specpool.RecipeSpec, recipeKey string) {
	if spec.Products.IsDynamic() {
		return
	}
	for name, path := range spec.Products.Static {
		reg.RegisterStatic(name, recipeKey, path)
	}
}
