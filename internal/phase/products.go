package phase

import (
	"context"
	"path/filepath"

	"github.com/kobo-build/anvil/internal/graph"
	"github.com/kobo-build/anvil/internal/specpool"
)

// fetchDefaultSource runs the engine's configured shim.Fetcher against
// rec.Spec.Source when a recipe declares no fetch callback: the common
// case of "just download this URL," without requiring a manifest-authored
// fetch callback for it.
func (e *Engine) fetchDefaultSource(ctx context.Context, rec *graph.Recipe, fetchDir string) error {
	src := rec.Spec.Source
	switch {
	case src.Kind == specpool.SourceRemoteURL && src.URL != "":
		_, err := e.Fetcher.FetchOne(ctx, src.URL, fetchDir, src.Digest, e.Hasher)
		return err
	case src.Kind == specpool.SourceLocalFile && src.Path != "":
		_, err := e.Fetcher.FetchOne(ctx, "file://"+src.Path, fetchDir, "", e.Hasher)
		return err
	default:
		return nil // inline or unset source: nothing to fetch
	}
}

// resolveProducts computes rec's product table once install completes:
// static products resolve to install_dir/relative_path immediately;
// dynamic products require invoking the recipe's products callback and
// registering each returned name as a dynamic provider.
func (e *Engine) resolveProducts(ctx context.Context, rec *graph.Recipe) error {
	rec.ProductsResolved = make(map[string]string, len(rec.Spec.Products.Static))

	for name, relPath := range rec.Spec.Products.Static {
		rec.ProductsResolved[name] = filepath.Join(rec.AssetPath, relPath)
	}

	if !rec.Spec.Products.IsDynamic() {
		return nil
	}

	pctx := e.buildContext(rec, "products", "", "", rec.AssetPath, "")
	values, err := e.Invoker.InvokeProducts(ctx, rec.Spec.Products.Dynamic, pctx)
	if err != nil {
		return err
	}
	for name, value := range values {
		rec.ProductsResolved[name] = value
		e.Graph.Products.RegisterDynamic(name, rec.Key)
	}
	return nil
}
