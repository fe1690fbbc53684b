package phase

import (
	"context"

	"github.com/kobo-build/anvil/internal/specpool"
)

// CallbackInvoker is the engine-side typed invocation point for the
// manifest language's opaque callback handles. specpool only carries the
// handle; phase is what actually calls into it.
type CallbackInvoker interface {
	// InvokePhase runs h (a fetch/check/stage/build/install callback) with
	// ctx. satisfied is meaningful only for the check phase ("satisfied"
	// means stage/build/install are skipped); result carries the check
	// callback's reported asset path for a satisfied, user-managed recipe.
	InvokePhase(ctx context.Context, h specpool.CallbackHandle, pctx *Context) (satisfied bool, result string, err error)

	// InvokeFetch runs a CustomFetch dependency's fetch_callback, which
	// populates fctx.TmpDir() and must call fctx.CommitFetch to publish
	// the child's recipe body.
	InvokeFetch(ctx context.Context, h specpool.CallbackHandle, fctx *FetchContext) error

	// InvokeProducts runs a recipe's programmatic products callback after
	// its install phase completes, returning the resolved
	// product_name -> value table.
	InvokeProducts(ctx context.Context, h specpool.CallbackHandle, pctx *Context) (map[string]string, error)
}
