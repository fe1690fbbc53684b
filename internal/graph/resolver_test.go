package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobo-build/anvil/internal/ident"
	"github.com/kobo-build/anvil/internal/specpool"
)

// testLoader resolves specs purely by identity, standing in for the
// external manifest evaluator.
type testLoader struct {
	specs map[string]*specpool.RecipeSpec
}

func (l *testLoader) Load(source specpool.FetchSource, identityHint string) (*specpool.RecipeSpec, error) {
	if spec, ok := l.specs[identityHint]; ok {
		return spec, nil
	}
	return nil, fmt.Errorf("no spec registered for %s", identityHint)
}

type graphBuilder struct {
	t      *testing.T
	loader *testLoader
	pool   *specpool.Pool
}

func newGraphBuilder(t *testing.T) *graphBuilder {
	t.Helper()
	loader := &testLoader{specs: make(map[string]*specpool.RecipeSpec)}
	return &graphBuilder{t: t, loader: loader, pool: specpool.NewPool(loader)}
}

func (b *graphBuilder) spec(identity string, opts map[string]any, deps []specpool.DepSpec, products map[string]string) *specpool.RecipeSpec {
	b.t.Helper()
	id, err := ident.Parse(identity)
	require.NoError(b.t, err)
	spec, err := specpool.NewRecipeSpec(id, specpool.FetchSource{Kind: specpool.SourceInline}, opts, deps, specpool.Products{Static: products}, specpool.PhaseCallbacks{}, "")
	require.NoError(b.t, err)
	b.loader.specs[identity] = spec
	return spec
}

func strongDep(t *testing.T, identity string) specpool.DepSpec {
	t.Helper()
	id, err := ident.Parse(identity)
	require.NoError(t, err)
	return specpool.DepSpec{Kind: specpool.DepStrong, Identity: id}
}

func TestResolveStrongClosure(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("local.lib@v1", nil, nil, nil)
	b.spec("local.tool@v1", nil, []specpool.DepSpec{strongDep(t, "local.lib@v1")}, nil)
	root := b.spec("local.app@v1", nil, []specpool.DepSpec{strongDep(t, "local.tool@v1")}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	require.NoError(t, err)

	assert.Len(t, g.RecipesByKey, 3)
	assert.Equal(t, []string{"local.app@v1"}, g.Roots)

	app := g.RecipesByKey["local.app@v1"]
	require.NotNil(t, app)
	require.Len(t, app.ResolvedDeps, 1)
	assert.Equal(t, "local.tool@v1", app.ResolvedDeps[0].ResolvedKey)
}

func TestResolveSharedDependencyDeduped(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("local.common@v1", nil, nil, nil)
	r1 := b.spec("local.a@v1", nil, []specpool.DepSpec{strongDep(t, "local.common@v1")}, nil)
	r2 := b.spec("local.b@v1", nil, []specpool.DepSpec{strongDep(t, "local.common@v1")}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{r1, r2})
	require.NoError(t, err)
	assert.Len(t, g.RecipesByKey, 3, "shared dep appears once")
}

func TestResolveCycleRejected(t *testing.T) {
	b := newGraphBuilder(t)
	x := b.spec("local.x@v1", nil, []specpool.DepSpec{strongDep(t, "local.y@v1")}, nil)
	b.spec("local.y@v1", nil, []specpool.DepSpec{strongDep(t, "local.x@v1")}, nil)

	_, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{x})
	require.Error(t, err)
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Cycle, "local.x@v1")
	assert.Contains(t, cerr.Cycle, "local.y@v1")
}

func TestResolveRefOnly(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("arm.gcc@r2", nil, nil, nil)
	refDep := specpool.DepSpec{Kind: specpool.DepRefOnly, IdentityPattern: "gcc@r2"}
	gcc := b.spec("local.firmware@v1", nil, []specpool.DepSpec{strongDep(t, "arm.gcc@r2"), refDep}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{gcc})
	require.NoError(t, err)

	fw := g.RecipesByKey["local.firmware@v1"]
	require.Len(t, fw.ResolvedDeps, 2)
	assert.Equal(t, "arm.gcc@r2", fw.ResolvedDeps[1].ResolvedKey, "pattern resolves to the suffix-matching recipe")
}

func TestResolveRefOnlyUnresolved(t *testing.T) {
	b := newGraphBuilder(t)
	refDep := specpool.DepSpec{Kind: specpool.DepRefOnly, IdentityPattern: "gcc@r9"}
	root := b.spec("local.firmware@v1", nil, []specpool.DepSpec{refDep}, nil)

	_, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	var uerr *UnresolvedDependencyError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "gcc@r9", uerr.Pattern)
}

func TestResolveRefOnlyAmbiguous(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("arm.gcc@r2", nil, nil, nil)
	b.spec("x86.gcc@r2", nil, nil, nil)
	refDep := specpool.DepSpec{Kind: specpool.DepRefOnly, IdentityPattern: "gcc@r2"}
	root := b.spec("local.fw@v1", nil, []specpool.DepSpec{
		strongDep(t, "arm.gcc@r2"), strongDep(t, "x86.gcc@r2"), refDep,
	}, nil)

	_, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	var aerr *AmbiguousDependencyError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, []string{"arm.gcc@r2", "x86.gcc@r2"}, aerr.Matches, "matches are sorted, never silently picked")
}

func TestResolveWeakFallback(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("local.d@v1", nil, nil, nil)
	fb := strongDep(t, "local.d@v1")
	weak := specpool.DepSpec{Kind: specpool.DepWeak, TargetIdentityPattern: "missing.x@v1", Fallback: &fb}
	root := b.spec("local.c@v1", nil, []specpool.DepSpec{weak}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	require.NoError(t, err)

	c := g.RecipesByKey["local.c@v1"]
	require.NotNil(t, g.RecipesByKey["local.d@v1"], "fallback is instantiated into the graph")
	require.Len(t, c.ResolvedWeakFallbackDigests, 1)
	require.Len(t, c.ResolvedDeps, 1)
	assert.Equal(t, "local.d@v1", c.ResolvedDeps[0].ResolvedKey)
}

func TestResolveWeakPrefersExistingTarget(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("real.x@v1", nil, nil, nil)
	b.spec("local.d@v1", nil, nil, nil)
	fb := strongDep(t, "local.d@v1")
	weak := specpool.DepSpec{Kind: specpool.DepWeak, TargetIdentityPattern: "x@v1", Fallback: &fb}
	root := b.spec("local.c@v1", nil, []specpool.DepSpec{strongDep(t, "real.x@v1"), weak}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	require.NoError(t, err)

	c := g.RecipesByKey["local.c@v1"]
	assert.Empty(t, c.ResolvedWeakFallbackDigests, "no fallback instantiated when the target exists")
	assert.Nil(t, g.RecipesByKey["local.d@v1"])
}

func TestResolveWeakAmbiguous(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("arm.gcc@r2", nil, nil, nil)
	b.spec("x86.gcc@r2", nil, nil, nil)
	fb := strongDep(t, "local.d@v1")
	weak := specpool.DepSpec{Kind: specpool.DepWeak, TargetIdentityPattern: "gcc@r2", Fallback: &fb}
	root := b.spec("local.fw@v1", nil, []specpool.DepSpec{
		strongDep(t, "arm.gcc@r2"), strongDep(t, "x86.gcc@r2"), weak,
	}, nil)

	_, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	var aerr *AmbiguousDependencyError
	require.ErrorAs(t, err, &aerr, "a weak target matching two recipes is never silently picked")
	assert.Equal(t, []string{"arm.gcc@r2", "x86.gcc@r2"}, aerr.Matches)
}

func TestResolveProductAmbiguity(t *testing.T) {
	b := newGraphBuilder(t)
	p1 := b.spec("local.p1@v1", nil, nil, map[string]string{"tool": "bin/tool"})
	p2 := b.spec("local.p2@v1", nil, nil, map[string]string{"tool": "libexec/tool"})
	prodDep := specpool.DepSpec{Kind: specpool.DepProduct, ProductName: "tool"}
	consumer := b.spec("local.consumer@v1", nil, []specpool.DepSpec{prodDep}, nil)

	_, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{p1, p2, consumer})
	var aerr *AmbiguousProductError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "tool", aerr.ProductName)
}

func TestResolveProductSingleProvider(t *testing.T) {
	b := newGraphBuilder(t)
	p := b.spec("local.p@v1", nil, nil, map[string]string{"tool": "bin/tool"})
	prodDep := specpool.DepSpec{Kind: specpool.DepProduct, ProductName: "tool"}
	consumer := b.spec("local.consumer@v1", nil, []specpool.DepSpec{prodDep}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{p, consumer})
	require.NoError(t, err)

	c := g.RecipesByKey["local.consumer@v1"]
	require.Len(t, c.ResolvedDeps, 1)
	assert.Equal(t, "local.p@v1", c.ResolvedDeps[0].ResolvedKey)
}

func TestResolveProductTargetDisambiguates(t *testing.T) {
	b := newGraphBuilder(t)
	p1 := b.spec("local.p1@v1", nil, nil, map[string]string{"tool": "bin/tool"})
	p2 := b.spec("local.p2@v1", nil, nil, map[string]string{"tool": "libexec/tool"})

	p1ID, err := ident.Parse("local.p1@v1")
	require.NoError(t, err)
	target := specpool.DepSpec{Kind: specpool.DepStrong, Identity: p1ID}
	prodDep := specpool.DepSpec{Kind: specpool.DepProduct, ProductName: "tool", ProductTargetRef: &target}
	consumer := b.spec("local.consumer@v1", nil, []specpool.DepSpec{prodDep}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{p1, p2, consumer})
	require.NoError(t, err, "a declared target resolves an otherwise-ambiguous product")

	c := g.RecipesByKey["local.consumer@v1"]
	require.Len(t, c.ResolvedDeps, 1)
	assert.Equal(t, "local.p1@v1", c.ResolvedDeps[0].ResolvedKey)
}

func TestResolveSameIdentityDifferentOptionsCoexist(t *testing.T) {
	b := newGraphBuilder(t)
	plain := b.spec("local.lib@v1", nil, nil, nil)

	id, err := ident.Parse("local.lib@v1")
	require.NoError(t, err)
	optioned, err := specpool.NewRecipeSpec(id, specpool.FetchSource{Kind: specpool.SourceInline},
		map[string]any{"static": true}, nil, specpool.Products{}, specpool.PhaseCallbacks{}, "")
	require.NoError(t, err)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{plain, optioned})
	require.NoError(t, err)
	assert.Len(t, g.RecipesByKey, 2, "same identity with different options are distinct nodes")
	assert.NotNil(t, g.RecipesByKey["local.lib@v1"])
	assert.NotNil(t, g.RecipesByKey["local.lib@v1?static=true"])
}

func TestResolveStrongDepWithOptions(t *testing.T) {
	b := newGraphBuilder(t)
	b.spec("local.lib@v1", nil, nil, nil)

	id, err := ident.Parse("local.lib@v1")
	require.NoError(t, err)
	optDep := specpool.DepSpec{Kind: specpool.DepStrong, Identity: id, Options: map[string]any{"static": true}}
	root := b.spec("local.app@v1", nil, []specpool.DepSpec{optDep, strongDep(t, "local.lib@v1")}, nil)

	g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	require.NoError(t, err)

	assert.NotNil(t, g.RecipesByKey["local.lib@v1?static=true"], "optioned request creates its own node")
	assert.NotNil(t, g.RecipesByKey["local.lib@v1"], "plain request keeps the unoptioned node")
	app := g.RecipesByKey["local.app@v1"]
	require.Len(t, app.ResolvedDeps, 2)
	assert.Equal(t, "local.lib@v1?static=true", app.ResolvedDeps[0].ResolvedKey)
	assert.Equal(t, "local.lib@v1", app.ResolvedDeps[1].ResolvedKey)
}

func TestResolveDiverges(t *testing.T) {
	b := newGraphBuilder(t)

	// A chain of weak fallbacks longer than the iteration budget: each
	// round instantiates exactly one new fallback, so the fixed point is
	// never reached.
	const depth = MaxIterations + 4
	for i := depth; i >= 0; i-- {
		var deps []specpool.DepSpec
		if i < depth {
			fb := strongDep(t, fmt.Sprintf("chain.f%d@v1", i+1))
			deps = append(deps, specpool.DepSpec{
				Kind:                  specpool.DepWeak,
				TargetIdentityPattern: fmt.Sprintf("missing.m%d@v1", i),
				Fallback:              &fb,
			})
		}
		b.spec(fmt.Sprintf("chain.f%d@v1", i), nil, deps, nil)
	}

	root := b.loader.specs["chain.f0@v1"]
	_, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
	var derr *ResolutionDivergedError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, MaxIterations, derr.MaxIterations)
}

func TestVariantHashStableAcrossRuns(t *testing.T) {
	build := func() string {
		b := newGraphBuilder(t)
		b.spec("local.d@v1", nil, nil, nil)
		fb := strongDep(t, "local.d@v1")
		weak := specpool.DepSpec{Kind: specpool.DepWeak, TargetIdentityPattern: "missing.x@v1", Fallback: &fb}
		root := b.spec("local.c@v1", nil, []specpool.DepSpec{weak}, nil)

		g, err := NewResolver(b.pool).Resolve([]*specpool.RecipeSpec{root})
		require.NoError(t, err)
		return g.RecipesByKey["local.c@v1"].EnsureVariantHash(testDigest)
	}
	assert.Equal(t, build(), build(), "identical inputs produce identical variant hashes")
}
