package phase

import (
	"context"
	"fmt"

	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/shim"
)

// Context is the capability-scoped context a recipe's phase callback
// receives: its own fetch/stage/install/tmp directories, read access to
// declared dependencies via Asset(identity)/Product(name), and a Run
// primitive for subprocess execution. Reaching for anything not declared
// raises UndeclaredAccessError.
type Context struct {
	recipeKey string
	phase     string

	fetchDir   string
	stageDir   string
	installDir string
	tmpDir     string

	declaredAssets   map[string]string // identity -> resolved recipe key
	declaredProducts map[string]bool

	g         *graph.Graph
	shell     shim.ShellRunner
	env       []string
	cancelled <-chan struct{}
}

// FetchDir, StageDir, InstallDir, TmpDir expose this recipe's own
// capability-scoped cache directories.
func (c *Context) FetchDir() string   { return c.fetchDir }
func (c *Context) StageDir() string   { return c.stageDir }
func (c *Context) InstallDir() string { return c.installDir }
func (c *Context) TmpDir() string     { return c.tmpDir }

// Asset returns the cache-managed install directory (or the raw
// check-reported path, for user-managed recipes) of the declared
// dependency identity.
func (c *Context) Asset(identity string) (string, error) {
	depKey, ok := c.declaredAssets[identity]
	if !ok {
		return "", &UndeclaredAccessError{RecipeKey: c.recipeKey, Requested: identity}
	}
	dep, ok := c.g.RecipesByKey[depKey]
	if !ok {
		return "", fmt.Errorf("phase: resolved dependency %s not found in graph", depKey)
	}
	return dep.AssetPath, nil
}

// Product returns the resolved value of the declared product name:
// install_dir/relative_path for a cache-managed provider, or the raw
// returned string for a user-managed one.
func (c *Context) Product(name string) (string, error) {
	if !c.declaredProducts[name] {
		return "", &UndeclaredAccessError{RecipeKey: c.recipeKey, Requested: "product:" + name}
	}
	key, ok := c.g.Products.FindProvider(name)
	if !ok {
		return "", fmt.Errorf("phase: no provider registered for product %q", name)
	}
	provider, ok := c.g.RecipesByKey[key]
	if !ok {
		return "", fmt.Errorf("phase: product provider %s not found in graph", key)
	}
	value, ok := provider.ProductsResolved[name]
	if !ok {
		return "", fmt.Errorf("phase: product %q not yet resolved by provider %s", name, key)
	}
	return value, nil
}

// Run executes script via the configured shim.ShellRunner. Engine
// cancellation is checked before the spawn and signals the child through
// the derived context while it runs.
func (c *Context) Run(ctx context.Context, script string, kind shim.ShellKind, capture, check bool) (shim.RunResult, error) {
	if kind == "" {
		kind = shim.ShellPOSIX
	}
	if c.cancelled != nil {
		select {
		case <-c.cancelled:
			return shim.RunResult{ExitCode: -1}, ErrCancelled
		default:
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-c.cancelled:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return c.shell.Run(ctx, script, c.stageDir, c.env, kind, capture, check)
}

// FetchContext is the narrower context a CustomFetch dependency's
// fetch_callback receives: a scratch tmp dir to populate, and CommitFetch
// to publish the child's canonical recipe body into the child's spec
// cache entry.
type FetchContext struct {
	tmpDir     string
	specHandle specSourceWriter
	committed  bool
}

// specSourceWriter is the narrow cache capability FetchContext needs: a
// place to write the committed child spec source and mark it complete.
// invokeCustomFetch supplies the *cache.SpecHandle returned by
// cache.Store.EnsureSpec.
type specSourceWriter interface {
	SourceFile() string
	MarkComplete() error
}

// TmpDir returns the scratch directory the fetch callback should populate
// before calling CommitFetch.
func (f *FetchContext) TmpDir() string { return f.tmpDir }

// CommitFetch publishes body as the child recipe's canonical source,
// completing the child's spec cache entry.
func (f *FetchContext) CommitFetch(body []byte) error {
	if f.committed {
		return fmt.Errorf("phase: fetch already committed")
	}
	if err := writeFile(f.specHandle.SourceFile(), body); err != nil {
		return err
	}
	if err := f.specHandle.MarkComplete(); err != nil {
		return err
	}
	f.committed = true
	return nil
}
