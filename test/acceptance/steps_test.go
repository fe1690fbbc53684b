package acceptance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cucumber/godog"

	"github.com/kobo-build/anvil/internal/cache"
	"github.com/kobo-build/anvil/internal/engine"
	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/ident"
	"github.com/kobo-build/anvil/internal/phase"
	"github.com/kobo-build/anvil/internal/shim"
	"github.com/kobo-build/anvil/internal/specpool"
)

// world carries one scenario's state: an isolated cache root, an in-memory
// spec registry, and the last build's outcome.
type world struct {
	cacheRoot string
	loader    *mapLoader
	pool      *specpool.Pool
	invoker   *scriptedInvoker

	eng        *engine.Engine
	outcome    engine.Outcome
	resolveErr error

	lastBuildCalls int
	variantHashes  map[string]string
}

type worldKey struct{}

func getWorld(ctx context.Context) *world {
	w, _ := ctx.Value(worldKey{}).(*world)
	return w
}

// mapLoader resolves specs purely by identity, standing in for the
// external manifest evaluator.
type mapLoader struct {
	mu    sync.Mutex
	specs map[string]*specpool.RecipeSpec
}

func (m *mapLoader) register(spec *specpool.RecipeSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Identity.String()] = spec
}

func (m *mapLoader) Load(source specpool.FetchSource, identityHint string) (*specpool.RecipeSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec, ok := m.specs[identityHint]; ok {
		return spec, nil
	}
	return nil, fmt.Errorf("no registered spec for %s", identityHint)
}

// cb is a test callback handle; the scripted invoker dispatches on its ID.
type cb struct{ id string }

func (c cb) CallbackID() string { return c.id }

// scriptedInvoker runs registered behaviors by callback ID and counts
// invocations so scenarios can assert "zero work happened."
type scriptedInvoker struct {
	mu        sync.Mutex
	calls     int
	behaviors map[string]func(pctx *phase.Context) error
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{behaviors: make(map[string]func(*phase.Context) error)}
}

func (s *scriptedInvoker) on(id string, fn func(*phase.Context) error) cb {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[id] = fn
	return cb{id: id}
}

func (s *scriptedInvoker) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls
	s.calls = 0
	return n
}

func (s *scriptedInvoker) InvokePhase(ctx context.Context, h specpool.CallbackHandle, pctx *phase.Context) (bool, string, error) {
	s.mu.Lock()
	s.calls++
	fn := s.behaviors[h.CallbackID()]
	s.mu.Unlock()
	if fn == nil {
		return false, "", nil
	}
	return false, "", fn(pctx)
}

func (s *scriptedInvoker) InvokeFetch(ctx context.Context, h specpool.CallbackHandle, fctx *phase.FetchContext) error {
	return fmt.Errorf("no custom-fetch callbacks in acceptance scenarios")
}

func (s *scriptedInvoker) InvokeProducts(ctx context.Context, h specpool.CallbackHandle, pctx *phase.Context) (map[string]string, error) {
	return nil, nil
}

func (w *world) makeSpec(identity string, deps []specpool.DepSpec, callbacks specpool.PhaseCallbacks, products specpool.Products) (*specpool.RecipeSpec, error) {
	id, err := ident.Parse(identity)
	if err != nil {
		return nil, err
	}
	spec, err := specpool.NewRecipeSpec(id, specpool.FetchSource{Kind: specpool.SourceInline}, nil, deps, products, callbacks, "")
	if err != nil {
		return nil, err
	}
	w.loader.register(spec)
	return spec, nil
}

func (w *world) newEngine() (*engine.Engine, error) {
	store, err := cache.New(w.cacheRoot, 3, 5*time.Millisecond, nil)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Cache:    store,
		Pool:     w.pool,
		Loader:   w.loader,
		Invoker:  w.invoker,
		Platform: shim.Host(),
		Hasher:   shim.DefaultHasher(),
		Jobs:     2,
	})
}

func (w *world) build(identities ...string) error {
	eng, err := w.newEngine()
	if err != nil {
		return err
	}
	roots := make([]*specpool.RecipeSpec, 0, len(identities))
	for _, id := range identities {
		spec, err := w.loader.Load(specpool.FetchSource{}, id)
		if err != nil {
			return err
		}
		roots = append(roots, spec)
	}

	w.invoker.resetCount()
	outcome, err := eng.RunFull(context.Background(), roots)
	w.lastBuildCalls = w.invoker.resetCount()
	w.eng = eng
	w.outcome = outcome
	w.resolveErr = err
	if err == nil {
		for key, rec := range eng.Graph().RecipesByKey {
			w.variantHashes[key] = rec.EnsureVariantHash(shim.DefaultHasher().Digest)
		}
	}
	return nil
}

func (w *world) pkgEntryPath(identity string) string {
	return filepath.Join(w.cacheRoot, "pkg", shim.Host().OSName(), shim.Host().ArchName(), identity, w.variantHashes[identity])
}

// Step definitions.

func aRecipeThatInstallsAMarkerFile(ctx context.Context, identity string) error {
	w := getWorld(ctx)
	install := w.invoker.on("install:"+identity, func(pctx *phase.Context) error {
		dir := filepath.Join(pctx.StageDir(), "install")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "marker.txt"), []byte(identity+"\n"), 0644)
	})
	_, err := w.makeSpec(identity, nil, specpool.PhaseCallbacks{Install: install}, specpool.Products{})
	return err
}

func aRecipeWithAStrongDependencyOn(ctx context.Context, identity, dep string) error {
	w := getWorld(ctx)
	depID, err := ident.Parse(dep)
	if err != nil {
		return err
	}
	deps := []specpool.DepSpec{{Kind: specpool.DepStrong, Identity: depID}}
	_, err = w.makeSpec(identity, deps, specpool.PhaseCallbacks{}, specpool.Products{})
	return err
}

func aRecipeWithAWeakDependencyFallingBackTo(ctx context.Context, identity, target, fallback string) error {
	w := getWorld(ctx)
	fbID, err := ident.Parse(fallback)
	if err != nil {
		return err
	}
	fb := specpool.DepSpec{Kind: specpool.DepStrong, Identity: fbID}
	deps := []specpool.DepSpec{{
		Kind:                  specpool.DepWeak,
		TargetIdentityPattern: target,
		Fallback:              &fb,
	}}
	_, err = w.makeSpec(identity, deps, specpool.PhaseCallbacks{}, specpool.Products{})
	return err
}

func aRecipeProvidingProductAt(ctx context.Context, identity, product, relPath string) error {
	w := getWorld(ctx)
	_, err := w.makeSpec(identity, nil, specpool.PhaseCallbacks{}, specpool.Products{
		Static: map[string]string{product: relPath},
	})
	return err
}

func aRecipeDependingOnProduct(ctx context.Context, identity, product string) error {
	w := getWorld(ctx)
	deps := []specpool.DepSpec{{Kind: specpool.DepProduct, ProductName: product}}
	_, err := w.makeSpec(identity, deps, specpool.PhaseCallbacks{}, specpool.Products{})
	return err
}

func aRecipeWhoseBuildReadsUndeclared(ctx context.Context, identity, other string) error {
	w := getWorld(ctx)
	build := w.invoker.on("build:"+identity, func(pctx *phase.Context) error {
		_, err := pctx.Asset(other)
		return err
	})
	_, err := w.makeSpec(identity, nil, specpool.PhaseCallbacks{Build: build}, specpool.Products{})
	return err
}

func aRecipeWhoseInstallFailsOnce(ctx context.Context, identity string) error {
	w := getWorld(ctx)
	var failed bool
	install := w.invoker.on("install:"+identity, func(pctx *phase.Context) error {
		if !failed {
			failed = true
			return fmt.Errorf("simulated crash before install completed")
		}
		dir := filepath.Join(pctx.StageDir(), "install")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("recovered\n"), 0644)
	})
	_, err := w.makeSpec(identity, nil, specpool.PhaseCallbacks{Install: install}, specpool.Products{})
	return err
}

func iBuild(ctx context.Context, identity string) error {
	return getWorld(ctx).build(identity)
}

func iBuildBoth(ctx context.Context, a, b string) error {
	return getWorld(ctx).build(a, b)
}

func (w *world) resolve(identities ...string) error {
	eng, err := w.newEngine()
	if err != nil {
		return err
	}
	var roots []*specpool.RecipeSpec
	for _, id := range identities {
		spec, err := w.loader.Load(specpool.FetchSource{}, id)
		if err != nil {
			return err
		}
		roots = append(roots, spec)
	}
	w.resolveErr = eng.ResolveGraph(roots)
	w.eng = eng
	return nil
}

func iResolveBoth(ctx context.Context, a, b string) error {
	return getWorld(ctx).resolve(a, b)
}

func iResolveThree(ctx context.Context, a, b, c string) error {
	return getWorld(ctx).resolve(a, b, c)
}

func resolutionFailsWithACycle(ctx context.Context) error {
	w := getWorld(ctx)
	var cerr *graph.CycleError
	if !errors.As(w.resolveErr, &cerr) {
		return fmt.Errorf("expected CycleError, got %v", w.resolveErr)
	}
	return nil
}

func resolutionFailsWithAnAmbiguousProduct(ctx context.Context) error {
	w := getWorld(ctx)
	var aerr *graph.AmbiguousProductError
	if !errors.As(w.resolveErr, &aerr) {
		return fmt.Errorf("expected AmbiguousProductError, got %v", w.resolveErr)
	}
	return nil
}

func noCacheEntryExists(ctx context.Context) error {
	w := getWorld(ctx)
	entries, err := os.ReadDir(filepath.Join(w.cacheRoot, "pkg"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("expected no cache entries, found %d", len(entries))
	}
	return nil
}

func theOutcomeIs(ctx context.Context, identity, status string) error {
	w := getWorld(ctx)
	if w.resolveErr != nil {
		return fmt.Errorf("build failed to resolve: %v", w.resolveErr)
	}
	r, ok := w.outcome[identity]
	if !ok {
		return fmt.Errorf("no outcome recorded for %s", identity)
	}
	if string(r.Status) != status {
		return fmt.Errorf("expected %s to be %s, got %s (%s: %s)", identity, status, r.Status, r.Phase, r.Reason)
	}
	return nil
}

func theOutcomeReasonContains(ctx context.Context, identity, substr string) error {
	w := getWorld(ctx)
	r, ok := w.outcome[identity]
	if !ok {
		return fmt.Errorf("no outcome recorded for %s", identity)
	}
	if !strings.Contains(r.Reason, substr) {
		return fmt.Errorf("expected reason for %s to contain %q, got %q", identity, substr, r.Reason)
	}
	return nil
}

func theInstallSentinelExists(ctx context.Context, identity string) error {
	w := getWorld(ctx)
	sentinel := filepath.Join(w.pkgEntryPath(identity), ".complete-install")
	if _, err := os.Stat(sentinel); err != nil {
		return fmt.Errorf("expected install sentinel at %s: %v", sentinel, err)
	}
	return nil
}

func theInstallSentinelIsAbsent(ctx context.Context, identity string) error {
	w := getWorld(ctx)
	sentinel := filepath.Join(w.pkgEntryPath(identity), ".complete-install")
	if _, err := os.Stat(sentinel); err == nil {
		return fmt.Errorf("expected no install sentinel at %s", sentinel)
	}
	return nil
}

func noPhaseCallbacksRan(ctx context.Context) error {
	w := getWorld(ctx)
	if w.lastBuildCalls != 0 {
		return fmt.Errorf("expected zero callback invocations, got %d", w.lastBuildCalls)
	}
	return nil
}

func theVariantHashDiffersFromNoFallback(ctx context.Context, identity string) error {
	w := getWorld(ctx)
	withWeak, ok := w.variantHashes[identity]
	if !ok {
		return fmt.Errorf("no variant hash recorded for %s", identity)
	}
	noWeak := ident.VariantHash(shim.DefaultHasher().Digest, identity, nil)
	if withWeak == noWeak {
		return fmt.Errorf("expected weak fallback to change the variant hash, both are %s", withWeak)
	}
	return nil
}

func theGraphContains(ctx context.Context, identity string) error {
	w := getWorld(ctx)
	if w.eng == nil {
		return fmt.Errorf("no engine")
	}
	if _, ok := w.eng.FindExact(identity); !ok {
		return fmt.Errorf("expected %s in graph", identity)
	}
	return nil
}

func theCacheHoldsAFetchOnlyEntry(ctx context.Context, identity string) error {
	w := getWorld(ctx)
	// The entry's variant hash is known before any build: no weak deps.
	vh := ident.VariantHash(shim.DefaultHasher().Digest, identity, nil)
	entry := filepath.Join(w.cacheRoot, "pkg", shim.Host().OSName(), shim.Host().ArchName(), identity, vh)
	for _, sub := range []string{"fetch", "stage", "tmp"} {
		if err := os.MkdirAll(filepath.Join(entry, sub), 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(entry, "fetch", "source.tar"), []byte("imported"), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(entry, ".complete-fetch"), nil, 0644)
}

func initializeScenario(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		dir, err := os.MkdirTemp("", "anvil-acceptance-*")
		if err != nil {
			return ctx, err
		}
		loader := &mapLoader{specs: make(map[string]*specpool.RecipeSpec)}
		w := &world{
			cacheRoot:     dir,
			loader:        loader,
			pool:          specpool.NewPool(loader),
			invoker:       newScriptedInvoker(),
			variantHashes: make(map[string]string),
		}
		return context.WithValue(ctx, worldKey{}, w), nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		if w := getWorld(ctx); w != nil {
			os.RemoveAll(w.cacheRoot)
		}
		return ctx, nil
	})

	sc.Step(`^a recipe "([^"]*)" that installs a marker file$`, aRecipeThatInstallsAMarkerFile)
	sc.Step(`^a recipe "([^"]*)" with a strong dependency on "([^"]*)"$`, aRecipeWithAStrongDependencyOn)
	sc.Step(`^a recipe "([^"]*)" with a weak dependency on "([^"]*)" falling back to "([^"]*)"$`, aRecipeWithAWeakDependencyFallingBackTo)
	sc.Step(`^a recipe "([^"]*)" providing product "([^"]*)" at "([^"]*)"$`, aRecipeProvidingProductAt)
	sc.Step(`^a recipe "([^"]*)" depending on product "([^"]*)"$`, aRecipeDependingOnProduct)
	sc.Step(`^a recipe "([^"]*)" whose build reads the asset of "([^"]*)" without declaring it$`, aRecipeWhoseBuildReadsUndeclared)
	sc.Step(`^a recipe "([^"]*)" whose install fails once$`, aRecipeWhoseInstallFailsOnce)
	sc.Step(`^the cache already holds a fetch-only entry for "([^"]*)"$`, theCacheHoldsAFetchOnlyEntry)
	sc.Step(`^I build "([^"]*)"$`, iBuild)
	sc.Step(`^I build "([^"]*)" again in a fresh engine$`, iBuild)
	sc.Step(`^I build "([^"]*)" and "([^"]*)"$`, iBuildBoth)
	sc.Step(`^I resolve "([^"]*)" and "([^"]*)"$`, iResolveBoth)
	sc.Step(`^I resolve "([^"]*)", "([^"]*)" and "([^"]*)"$`, iResolveThree)
	sc.Step(`^resolution fails with a dependency cycle$`, resolutionFailsWithACycle)
	sc.Step(`^resolution fails with an ambiguous product$`, resolutionFailsWithAnAmbiguousProduct)
	sc.Step(`^no cache entry was created$`, noCacheEntryExists)
	sc.Step(`^the outcome for "([^"]*)" is "([^"]*)"$`, theOutcomeIs)
	sc.Step(`^the outcome reason for "([^"]*)" mentions "([^"]*)"$`, theOutcomeReasonContains)
	sc.Step(`^the install sentinel for "([^"]*)" exists$`, theInstallSentinelExists)
	sc.Step(`^the install sentinel for "([^"]*)" is absent$`, theInstallSentinelIsAbsent)
	sc.Step(`^no phase callbacks ran$`, noPhaseCallbacksRan)
	sc.Step(`^the variant hash of "([^"]*)" differs from its no-fallback variant$`, theVariantHashDiffersFromNoFallback)
	sc.Step(`^the graph contains "([^"]*)"$`, theGraphContains)
}
